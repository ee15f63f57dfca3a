package authz

import (
	"time"

	"github.com/google/uuid"
)

// SubjectKind distinguishes the two kinds of grant holders.
type SubjectKind string

const (
	// SubjectUser marks a grant held directly by a user.
	SubjectUser SubjectKind = "user"
	// SubjectRole marks a grant held by a role and inherited by its members.
	SubjectRole SubjectKind = "role"
)

// Subject identifies a grant holder.
type Subject struct {
	ID   string
	Kind SubjectKind
}

// UserSubject builds a user subject.
func UserSubject(id string) Subject {
	return Subject{ID: id, Kind: SubjectUser}
}

// RoleSubject builds a role subject.
func RoleSubject(id string) Subject {
	return Subject{ID: id, Kind: SubjectRole}
}

// Role represents a named grouping of permissions. Roles inherit every
// permission held by their ancestors in the hierarchy.
type Role struct {
	ID        string
	Name      string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Permission represents an atomic capability over a resource type within a
// scope. Permissions are immutable once created; changing one means creating
// a new permission and revoking grants of the old.
type Permission struct {
	ID           string
	ResourceType string
	Action       string
	Scope        Scope
	Constraint   *Constraint
	CreatedAt    time.Time
}

// AccessControlEntry links a subject to a permission. Entries are append
// only: revocation stamps RevokedAt, nothing is ever removed.
type AccessControlEntry struct {
	ID           uuid.UUID
	Subject      Subject
	PermissionID string
	GrantedBy    string
	GrantedAt    time.Time
	ExpiresAt    *time.Time
	RevokedAt    *time.Time
	RevokedBy    string
}

// Active reports whether the entry is in force at the given instant.
func (e AccessControlEntry) Active(now time.Time) bool {
	if e.RevokedAt != nil {
		return false
	}
	if e.ExpiresAt != nil && !now.Before(*e.ExpiresAt) {
		return false
	}
	return true
}

// Expired reports whether the entry lapsed by expiry rather than revocation.
func (e AccessControlEntry) Expired(now time.Time) bool {
	return e.RevokedAt == nil && e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// RoleAssignment links a user to a role. Append only, like ACEs.
type RoleAssignment struct {
	ID         uuid.UUID
	UserID     string
	RoleID     string
	AssignedBy string
	AssignedAt time.Time
	RevokedAt  *time.Time
	RevokedBy  string
}

// Active reports whether the assignment is currently in force.
func (a RoleAssignment) Active() bool {
	return a.RevokedAt == nil
}

// Reason codes carried by decisions for audit traceability.
const (
	ReasonGranted      = "granted"
	ReasonNoGrant      = "no_grant"
	ReasonPolicyDenied = "policy_denied"
	ReasonExpired      = "expired"
	ReasonBackendError = "backend_error"
)

// Decision is the outcome of a permission check. Decisions are ephemeral;
// they live only inside cache entries until invalidated.
type Decision struct {
	Allowed      bool
	Reason       string
	MatchedACE   uuid.UUID
	SubjectVer   int64
	HierarchyGen int64
	EvaluatedAt  time.Time
}

// Deny builds a denying decision with the given reason.
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason, EvaluatedAt: time.Now()}
}
