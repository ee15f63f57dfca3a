package authz

import (
	"context"
	"sync"
	"time"
)

// Store is the persistence port. Aggregate writes are guarded by optimistic
// concurrency: SaveAggregate fails with ErrVersionConflict when the stored
// version no longer matches the version the caller loaded.
type Store interface {
	LoadAggregate(ctx context.Context, subject Subject) (*Aggregate, error)
	SaveAggregate(ctx context.Context, agg *Aggregate, loadedVersion int64) error
	LoadHierarchyEdges(ctx context.Context) ([]Edge, error)
	SaveHierarchyEdges(ctx context.Context, edges []Edge) error

	EnsureRole(ctx context.Context, role Role) (Role, error)
	GetRole(ctx context.Context, id string) (Role, error)
	EnsurePermission(ctx context.Context, perm Permission) (Permission, error)
	GetPermission(ctx context.Context, id string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// MemoryStore is an in-process Store used by tests and embedded setups.
type MemoryStore struct {
	mu          sync.RWMutex
	aggregates  map[string]*storedAggregate
	edges       []Edge
	roles       map[string]Role
	permissions map[string]Permission
}

type storedAggregate struct {
	version     int64
	entries     []AccessControlEntry
	assignments []RoleAssignment
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		aggregates:  map[string]*storedAggregate{},
		roles:       map[string]Role{},
		permissions: map[string]Permission{},
	}
}

// LoadAggregate returns the subject's aggregate, or an empty version-zero
// aggregate when the subject has no recorded state yet.
func (s *MemoryStore) LoadAggregate(ctx context.Context, subject Subject) (*Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.aggregates[subjectKey(subject)]
	if !ok {
		return NewAggregate(subject), nil
	}
	entries := make([]AccessControlEntry, len(stored.entries))
	copy(entries, stored.entries)
	assignments := make([]RoleAssignment, len(stored.assignments))
	copy(assignments, stored.assignments)
	return RehydrateAggregate(subject, stored.version, entries, assignments), nil
}

// SaveAggregate persists the aggregate if nobody else wrote in between.
func (s *MemoryStore) SaveAggregate(ctx context.Context, agg *Aggregate, loadedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subjectKey(agg.Subject())
	stored, ok := s.aggregates[key]
	if ok && stored.version != loadedVersion {
		return ErrVersionConflict
	}
	if !ok && loadedVersion != 0 {
		return ErrVersionConflict
	}
	entries := make([]AccessControlEntry, len(agg.Entries()))
	copy(entries, agg.Entries())
	assignments := make([]RoleAssignment, len(agg.Assignments()))
	copy(assignments, agg.Assignments())
	s.aggregates[key] = &storedAggregate{
		version:     agg.Version(),
		entries:     entries,
		assignments: assignments,
	}
	return nil
}

// LoadHierarchyEdges returns the persisted inheritance links.
func (s *MemoryStore) LoadHierarchyEdges(ctx context.Context) ([]Edge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	edges := make([]Edge, len(s.edges))
	copy(edges, s.edges)
	return edges, nil
}

// SaveHierarchyEdges replaces the persisted inheritance links.
func (s *MemoryStore) SaveHierarchyEdges(ctx context.Context, edges []Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = make([]Edge, len(edges))
	copy(s.edges, edges)
	return nil
}

// EnsureRole upserts a role record.
func (s *MemoryStore) EnsureRole(ctx context.Context, role Role) (Role, error) {
	if err := ctx.Err(); err != nil {
		return Role{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.roles[role.ID]; ok {
		return existing, nil
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now()
	}
	s.roles[role.ID] = role
	return role, nil
}

// GetRole fetches a role by ID.
func (s *MemoryStore) GetRole(ctx context.Context, id string) (Role, error) {
	if err := ctx.Err(); err != nil {
		return Role{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

// EnsurePermission upserts a permission record. Permissions are immutable:
// an existing record wins over the incoming one.
func (s *MemoryStore) EnsurePermission(ctx context.Context, perm Permission) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return Permission{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.permissions[perm.ID]; ok {
		return existing, nil
	}
	if perm.CreatedAt.IsZero() {
		perm.CreatedAt = time.Now()
	}
	s.permissions[perm.ID] = perm
	return perm, nil
}

// GetPermission fetches a permission by ID.
func (s *MemoryStore) GetPermission(ctx context.Context, id string) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return Permission{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.permissions[id]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return perm, nil
}

// ListPermissions returns every permission in the catalog.
func (s *MemoryStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	return out, nil
}
