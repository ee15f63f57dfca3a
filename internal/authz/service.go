package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

const (
	// DefaultStoreTimeout bounds persistence calls on the cold-miss and
	// write paths. A timed-out check degrades to deny, never to allow.
	DefaultStoreTimeout = 2 * time.Second
	// DefaultWriteRetries bounds re-reads after a version conflict.
	DefaultWriteRetries = 3
)

// ServiceConfig tunes the authorization service.
type ServiceConfig struct {
	StoreTimeout time.Duration
	WriteRetries int
	Cache        CacheConfig
}

// Service is the single entry point external callers use. Reads go through
// the decision cache; writes go through the subject's aggregate, bump the
// relevant generation counters before acknowledging success, and publish
// facts for the audit and invalidation collaborators.
type Service struct {
	store     Store
	hierarchy *Hierarchy
	policies  *PolicySet
	evaluator *Evaluator
	cache     *DecisionCache
	versions  *VersionRegistry
	channel   *Channel
	coherence *Coherence
	logger    *slog.Logger

	storeTimeout time.Duration
	writeRetries int
}

// NewService wires the authorization core. The hierarchy is loaded from the
// store; a nil coherence limits invalidation to this process.
func NewService(ctx context.Context, store Store, policies *PolicySet, channel *Channel, coherence *Coherence, logger *slog.Logger, cfg ServiceConfig) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = DefaultWriteRetries
	}
	if policies == nil {
		policies = NewPolicySet()
	}

	edges, err := store.LoadHierarchyEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("authz: load hierarchy: %w", err)
	}
	hierarchy, err := NewHierarchy(edges)
	if err != nil {
		return nil, fmt.Errorf("authz: rebuild hierarchy: %w", err)
	}

	versions := NewVersionRegistry()
	if coherence == nil {
		coherence = NewCoherence(nil, versions, logger, nil)
	} else if coherence.Registry() != nil {
		versions = coherence.Registry()
	}

	s := &Service{
		store:        store,
		hierarchy:    hierarchy,
		policies:     policies,
		evaluator:    NewEvaluator(hierarchy, policies, store),
		cache:        NewDecisionCache(versions, hierarchy, cfg.Cache),
		versions:     versions,
		channel:      channel,
		coherence:    coherence,
		logger:       logger,
		storeTimeout: cfg.StoreTimeout,
		writeRetries: cfg.WriteRetries,
	}
	return s, nil
}

// Hierarchy exposes the role hierarchy for read-side queries.
func (s *Service) Hierarchy() *Hierarchy { return s.hierarchy }

// Versions exposes the version registry for the coherence listener.
func (s *Service) Versions() *VersionRegistry { return s.versions }

// CheckPermission answers whether the subject may perform the action on the
// resource within the scope. Cache hits return immediately; misses evaluate
// under the store timeout and any backend failure degrades to deny.
func (s *Service) CheckPermission(ctx context.Context, req CheckRequest) (Decision, error) {
	if _, err := ParseScope(string(req.Scope)); err != nil {
		return Deny(ReasonNoGrant), err
	}
	return s.cache.Resolve(ctx, req, func(ctx context.Context) (Decision, error) {
		evalCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
		return s.evaluator.Check(evalCtx, req)
	})
}

// GrantPermission creates an active ACE for the subject. Fails with
// ErrDuplicateGrant when one exists and ErrNotFound for an unknown
// permission.
func (s *Service) GrantPermission(ctx context.Context, subject Subject, permissionID, actor string, expiry *time.Time) (AccessControlEntry, error) {
	if _, err := s.getPermission(ctx, permissionID); err != nil {
		return AccessControlEntry{}, err
	}
	var entry AccessControlEntry
	err := s.mutate(ctx, subject, func(agg *Aggregate) (bool, error) {
		var err error
		entry, err = agg.Grant(permissionID, actor, expiry)
		if err != nil {
			return false, err
		}
		return true, nil
	})
	return entry, err
}

// RevokePermission revokes the subject's active grant. Revoking an absent
// or already-revoked grant succeeds without effect.
func (s *Service) RevokePermission(ctx context.Context, subject Subject, permissionID, actor string) error {
	return s.mutate(ctx, subject, func(agg *Aggregate) (bool, error) {
		_, changed := agg.Revoke(permissionID, actor)
		return changed, nil
	})
}

// AssignRole links the user to a role. Fails with ErrNotFound for an
// unknown role and ErrDuplicateGrant for an active assignment.
func (s *Service) AssignRole(ctx context.Context, userID, roleID, actor string) (RoleAssignment, error) {
	if _, err := s.getRole(ctx, roleID); err != nil {
		return RoleAssignment{}, err
	}
	var assignment RoleAssignment
	err := s.mutate(ctx, UserSubject(userID), func(agg *Aggregate) (bool, error) {
		var err error
		assignment, err = agg.AssignRole(roleID, actor)
		if err != nil {
			return false, err
		}
		return true, nil
	})
	return assignment, err
}

// RevokeRole unlinks the user from a role, idempotently.
func (s *Service) RevokeRole(ctx context.Context, userID, roleID, actor string) error {
	return s.mutate(ctx, UserSubject(userID), func(agg *Aggregate) (bool, error) {
		_, changed := agg.RevokeRole(roleID, actor)
		return changed, nil
	})
}

// AddRoleEdge links a child role to a parent in the hierarchy and persists
// the edge set. The generation bump invalidates role-derived decisions.
func (s *Service) AddRoleEdge(ctx context.Context, parent, child string) error {
	if err := s.hierarchy.AddEdge(parent, child); err != nil {
		return err
	}
	if err := s.saveHierarchy(ctx); err != nil {
		// Roll the in-memory edit back so memory and store agree.
		s.hierarchy.RemoveEdge(parent, child)
		return err
	}
	s.coherence.BumpHierarchy(ctx)
	return nil
}

// RemoveRoleEdge unlinks a child role from a parent, idempotently.
func (s *Service) RemoveRoleEdge(ctx context.Context, parent, child string) error {
	if !s.hierarchy.RemoveEdge(parent, child) {
		return nil
	}
	if err := s.saveHierarchy(ctx); err != nil {
		// Roll the in-memory edit back so memory and store agree. The edge
		// was just removed, so re-adding it cannot form a cycle.
		_ = s.hierarchy.AddEdge(parent, child)
		return err
	}
	s.coherence.BumpHierarchy(ctx)
	return nil
}

// ReloadHierarchy rebuilds the in-memory graph from the store. Invoked by
// the coherence listener when another instance edits the hierarchy.
func (s *Service) ReloadHierarchy(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	edges, err := s.store.LoadHierarchyEdges(opCtx)
	if err != nil {
		return err
	}
	return s.hierarchy.Reload(edges)
}

// GetEffectivePermissions returns every permission the subject currently
// holds, directly or through effective roles, ordered by permission ID.
func (s *Service) GetEffectivePermissions(ctx context.Context, subject Subject) ([]Permission, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	agg, err := s.store.LoadAggregate(opCtx, subject)
	if err != nil {
		return nil, mapBackendErr(err)
	}
	now := time.Now()
	entries := agg.ActiveGrants(now)
	if subject.Kind == SubjectUser {
		for roleID := range s.hierarchy.EffectiveRoles(agg.ActiveRoles()) {
			roleAgg, err := s.store.LoadAggregate(opCtx, RoleSubject(roleID))
			if err != nil {
				return nil, mapBackendErr(err)
			}
			entries = append(entries, roleAgg.ActiveGrants(now)...)
		}
	}

	seen := map[string]struct{}{}
	var perms []Permission
	for _, entry := range entries {
		if _, ok := seen[entry.PermissionID]; ok {
			continue
		}
		seen[entry.PermissionID] = struct{}{}
		perm, err := s.store.GetPermission(opCtx, entry.PermissionID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, mapBackendErr(err)
		}
		perms = append(perms, perm)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].ID < perms[j].ID })
	return perms, nil
}

// EnsureRole upserts a role in the catalog.
func (s *Service) EnsureRole(ctx context.Context, role Role) (Role, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.EnsureRole(opCtx, role)
}

// EnsurePermission upserts a permission in the catalog after validating its
// scope.
func (s *Service) EnsurePermission(ctx context.Context, perm Permission) (Permission, error) {
	scope, err := ParseScope(string(perm.Scope))
	if err != nil {
		return Permission{}, err
	}
	perm.Scope = scope
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.EnsurePermission(opCtx, perm)
}

// ListPermissions returns the permission catalog.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	return s.store.ListPermissions(opCtx)
}

// mutate runs the write loop: load, apply, save, and on a version conflict
// re-read and retry up to the budget. The version bump is recorded and
// broadcast before returning, so no later read of this subject can observe
// the pre-write state. Facts publish after the save commits.
func (s *Service) mutate(ctx context.Context, subject Subject, apply func(agg *Aggregate) (bool, error)) error {
	var lastErr error
	for attempt := 0; attempt < s.writeRetries; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		agg, err := s.store.LoadAggregate(opCtx, subject)
		if err != nil {
			cancel()
			return mapBackendErr(err)
		}
		loaded := agg.Version()

		changed, err := apply(agg)
		if err != nil {
			cancel()
			return err
		}
		if !changed {
			cancel()
			return nil
		}

		err = s.store.SaveAggregate(opCtx, agg, loaded)
		cancel()
		if errors.Is(err, ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return mapBackendErr(err)
		}

		s.coherence.BumpSubject(ctx, subject, agg.Version())
		if subject.Kind == SubjectRole {
			// Decisions for users who inherit through this role are not
			// stamped with the role's version, so the grant change must
			// advance the generation to retire them, here and on every
			// other instance.
			s.hierarchy.Bump()
			s.coherence.BumpHierarchy(ctx)
		}
		for _, fact := range agg.TakeFacts() {
			if s.channel != nil {
				s.channel.Publish(ctx, fact)
			}
		}
		return nil
	}
	return lastErr
}

func (s *Service) saveHierarchy(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.store.SaveHierarchyEdges(opCtx, s.hierarchy.Edges()); err != nil {
		return mapBackendErr(err)
	}
	return nil
}

func (s *Service) getPermission(ctx context.Context, id string) (Permission, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	perm, err := s.store.GetPermission(opCtx, id)
	if err != nil {
		return Permission{}, mapBackendErr(err)
	}
	return perm, nil
}

func (s *Service) getRole(ctx context.Context, id string) (Role, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	role, err := s.store.GetRole(opCtx, id)
	if err != nil {
		return Role{}, mapBackendErr(err)
	}
	return role, nil
}
