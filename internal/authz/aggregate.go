package authz

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Aggregate is the consistency boundary for one subject's grants and role
// assignments. It is the sole writer of ACE and RoleAssignment records,
// which are append only: revocation stamps a record, nothing is deleted.
// The version counter advances on every state-changing mutation and drives
// both optimistic concurrency and cache invalidation.
type Aggregate struct {
	subject     Subject
	version     int64
	entries     []AccessControlEntry
	assignments []RoleAssignment
	pending     []Fact
	clock       func() time.Time
}

// NewAggregate creates an empty aggregate for the subject.
func NewAggregate(subject Subject) *Aggregate {
	return &Aggregate{subject: subject, clock: time.Now}
}

// RehydrateAggregate rebuilds an aggregate from persisted state.
func RehydrateAggregate(subject Subject, version int64, entries []AccessControlEntry, assignments []RoleAssignment) *Aggregate {
	return &Aggregate{
		subject:     subject,
		version:     version,
		entries:     entries,
		assignments: assignments,
		clock:       time.Now,
	}
}

// Subject returns the owning subject.
func (a *Aggregate) Subject() Subject { return a.subject }

// Version returns the optimistic-concurrency version.
func (a *Aggregate) Version() int64 { return a.version }

// Grant creates an active ACE for the permission. It fails with
// ErrDuplicateGrant when an active entry for the same permission already
// exists.
func (a *Aggregate) Grant(permissionID, actor string, expiry *time.Time) (AccessControlEntry, error) {
	now := a.clock()
	if a.findActiveEntry(permissionID, now) != nil {
		return AccessControlEntry{}, ErrDuplicateGrant
	}
	entry := AccessControlEntry{
		ID:           uuid.New(),
		Subject:      a.subject,
		PermissionID: permissionID,
		GrantedBy:    actor,
		GrantedAt:    now,
		ExpiresAt:    expiry,
	}
	a.entries = append(a.entries, entry)
	a.bump(PermissionGranted{Subject: a.subject, PermissionID: permissionID, ACEID: entry.ID, Actor: actor, At: now})
	return entry, nil
}

// Revoke stamps the active ACE for the permission. Revoking an absent or
// already-revoked grant is a no-op: it returns changed=false without
// advancing the version or emitting a fact.
func (a *Aggregate) Revoke(permissionID, actor string) (AccessControlEntry, bool) {
	now := a.clock()
	entry := a.findActiveEntry(permissionID, now)
	if entry == nil {
		return AccessControlEntry{}, false
	}
	entry.RevokedAt = &now
	entry.RevokedBy = actor
	a.bump(PermissionRevoked{Subject: a.subject, PermissionID: permissionID, ACEID: entry.ID, Actor: actor, At: now})
	return *entry, true
}

// AssignRole links the user to a role. It fails with ErrDuplicateGrant when
// the assignment is already active. Role subjects cannot hold assignments.
func (a *Aggregate) AssignRole(roleID, actor string) (RoleAssignment, error) {
	if a.subject.Kind != SubjectUser {
		return RoleAssignment{}, ErrNotFound
	}
	if a.findActiveAssignment(roleID) != nil {
		return RoleAssignment{}, ErrDuplicateGrant
	}
	now := a.clock()
	assignment := RoleAssignment{
		ID:         uuid.New(),
		UserID:     a.subject.ID,
		RoleID:     roleID,
		AssignedBy: actor,
		AssignedAt: now,
	}
	a.assignments = append(a.assignments, assignment)
	a.bump(RoleAssigned{UserID: a.subject.ID, RoleID: roleID, Actor: actor, At: now})
	return assignment, nil
}

// RevokeRole stamps the active assignment for the role. Idempotent in the
// same way as Revoke.
func (a *Aggregate) RevokeRole(roleID, actor string) (RoleAssignment, bool) {
	assignment := a.findActiveAssignment(roleID)
	if assignment == nil {
		return RoleAssignment{}, false
	}
	now := a.clock()
	assignment.RevokedAt = &now
	assignment.RevokedBy = actor
	a.bump(RoleRevoked{UserID: a.subject.ID, RoleID: roleID, Actor: actor, At: now})
	return *assignment, true
}

// ActiveGrants returns the currently active entries ordered by grant time.
func (a *Aggregate) ActiveGrants(now time.Time) []AccessControlEntry {
	var out []AccessControlEntry
	for _, e := range a.entries {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.Before(out[j].GrantedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Entries returns every ACE ever recorded, including revoked and expired
// ones, for persistence and compliance replay.
func (a *Aggregate) Entries() []AccessControlEntry { return a.entries }

// Assignments returns every role assignment ever recorded.
func (a *Aggregate) Assignments() []RoleAssignment { return a.assignments }

// ActiveRoles returns the role IDs currently assigned to the subject.
func (a *Aggregate) ActiveRoles() []string {
	var out []string
	for _, ra := range a.assignments {
		if ra.Active() {
			out = append(out, ra.RoleID)
		}
	}
	sort.Strings(out)
	return out
}

// TakeFacts drains the facts recorded since the last drain. The service
// publishes them after a successful save.
func (a *Aggregate) TakeFacts() []Fact {
	facts := a.pending
	a.pending = nil
	return facts
}

func (a *Aggregate) bump(fact Fact) {
	a.version++
	a.pending = append(a.pending, fact)
}

func (a *Aggregate) findActiveEntry(permissionID string, now time.Time) *AccessControlEntry {
	for i := range a.entries {
		if a.entries[i].PermissionID == permissionID && a.entries[i].Active(now) {
			return &a.entries[i]
		}
	}
	return nil
}

func (a *Aggregate) findActiveAssignment(roleID string) *RoleAssignment {
	for i := range a.assignments {
		if a.assignments[i].RoleID == roleID && a.assignments[i].Active() {
			return &a.assignments[i]
		}
	}
	return nil
}
