package authz

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gabrielmaialva33/base-acl-go/internal/platform/db"
)

// PostgresStore provides PostgreSQL backed persistence for aggregates, the
// hierarchy edge set and the role/permission catalog. ACE and assignment
// rows are append only; revocation updates the revocation columns in place
// and nothing is ever deleted, which keeps the full compliance trail.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// LoadAggregate reads the subject's version, entries and assignments. An
// unknown subject yields an empty version-zero aggregate.
func (s *PostgresStore) LoadAggregate(ctx context.Context, subject Subject) (*Aggregate, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM authz_subjects WHERE subject_kind = $1 AND subject_id = $2`,
		subject.Kind, subject.ID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return NewAggregate(subject), nil
	}
	if err != nil {
		return nil, err
	}

	entries, err := s.loadEntries(ctx, subject)
	if err != nil {
		return nil, err
	}
	assignments, err := s.loadAssignments(ctx, subject)
	if err != nil {
		return nil, err
	}
	return RehydrateAggregate(subject, version, entries, assignments), nil
}

func (s *PostgresStore) loadEntries(ctx context.Context, subject Subject) ([]AccessControlEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, permission_id, granted_by, granted_at, expires_at, revoked_at, revoked_by
		   FROM authz_aces
		  WHERE subject_kind = $1 AND subject_id = $2
		  ORDER BY granted_at, id`,
		subject.Kind, subject.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AccessControlEntry
	for rows.Next() {
		entry := AccessControlEntry{Subject: subject}
		var revokedBy *string
		if err := rows.Scan(&entry.ID, &entry.PermissionID, &entry.GrantedBy, &entry.GrantedAt,
			&entry.ExpiresAt, &entry.RevokedAt, &revokedBy); err != nil {
			return nil, err
		}
		if revokedBy != nil {
			entry.RevokedBy = *revokedBy
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) loadAssignments(ctx context.Context, subject Subject) ([]RoleAssignment, error) {
	if subject.Kind != SubjectUser {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, role_id, assigned_by, assigned_at, revoked_at, revoked_by
		   FROM authz_role_assignments
		  WHERE user_id = $1
		  ORDER BY assigned_at, id`,
		subject.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []RoleAssignment
	for rows.Next() {
		ra := RoleAssignment{UserID: subject.ID}
		var revokedBy *string
		if err := rows.Scan(&ra.ID, &ra.RoleID, &ra.AssignedBy, &ra.AssignedAt, &ra.RevokedAt, &revokedBy); err != nil {
			return nil, err
		}
		if revokedBy != nil {
			ra.RevokedBy = *revokedBy
		}
		assignments = append(assignments, ra)
	}
	return assignments, rows.Err()
}

// SaveAggregate writes the aggregate inside one transaction. The version
// row acts as the optimistic lock: a stale loadedVersion updates zero rows
// and the save fails with ErrVersionConflict.
func (s *PostgresStore) SaveAggregate(ctx context.Context, agg *Aggregate, loadedVersion int64) error {
	subject := agg.Subject()
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if loadedVersion == 0 {
			tag, err := tx.Exec(ctx,
				`INSERT INTO authz_subjects (subject_kind, subject_id, version)
				 VALUES ($1, $2, $3)
				 ON CONFLICT (subject_kind, subject_id) DO NOTHING`,
				subject.Kind, subject.ID, agg.Version())
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrVersionConflict
			}
		} else {
			tag, err := tx.Exec(ctx,
				`UPDATE authz_subjects SET version = $3
				  WHERE subject_kind = $1 AND subject_id = $2 AND version = $4`,
				subject.Kind, subject.ID, agg.Version(), loadedVersion)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrVersionConflict
			}
		}

		for _, entry := range agg.Entries() {
			if _, err := tx.Exec(ctx,
				`INSERT INTO authz_aces (id, subject_kind, subject_id, permission_id, granted_by, granted_at, expires_at, revoked_at, revoked_by)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				 ON CONFLICT (id) DO UPDATE SET revoked_at = EXCLUDED.revoked_at, revoked_by = EXCLUDED.revoked_by`,
				entry.ID, subject.Kind, subject.ID, entry.PermissionID, entry.GrantedBy,
				entry.GrantedAt, entry.ExpiresAt, entry.RevokedAt, nullable(entry.RevokedBy)); err != nil {
				return mapPgError(err)
			}
		}
		for _, ra := range agg.Assignments() {
			if _, err := tx.Exec(ctx,
				`INSERT INTO authz_role_assignments (id, user_id, role_id, assigned_by, assigned_at, revoked_at, revoked_by)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)
				 ON CONFLICT (id) DO UPDATE SET revoked_at = EXCLUDED.revoked_at, revoked_by = EXCLUDED.revoked_by`,
				ra.ID, ra.UserID, ra.RoleID, ra.AssignedBy, ra.AssignedAt, ra.RevokedAt, nullable(ra.RevokedBy)); err != nil {
				return mapPgError(err)
			}
		}
		return nil
	})
}

// LoadHierarchyEdges reads the persisted inheritance links.
func (s *PostgresStore) LoadHierarchyEdges(ctx context.Context) ([]Edge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT parent_role, child_role FROM authz_hierarchy_edges ORDER BY parent_role, child_role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.Parent, &e.Child); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// SaveHierarchyEdges replaces the edge set atomically.
func (s *PostgresStore) SaveHierarchyEdges(ctx context.Context, edges []Edge) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM authz_hierarchy_edges`); err != nil {
			return err
		}
		for _, e := range edges {
			if _, err := tx.Exec(ctx,
				`INSERT INTO authz_hierarchy_edges (parent_role, child_role) VALUES ($1, $2)`,
				e.Parent, e.Child); err != nil {
				return err
			}
		}
		return nil
	})
}

// EnsureRole upserts a role record, returning the stored row.
func (s *PostgresStore) EnsureRole(ctx context.Context, role Role) (Role, error) {
	meta, err := json.Marshal(role.Metadata)
	if err != nil {
		return Role{}, err
	}
	if role.CreatedAt.IsZero() {
		role.CreatedAt = time.Now()
	}
	var metaRaw []byte
	err = s.pool.QueryRow(ctx,
		`INSERT INTO authz_roles (id, name, metadata, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		 RETURNING id, name, metadata, created_at`,
		role.ID, role.Name, meta, role.CreatedAt).
		Scan(&role.ID, &role.Name, &metaRaw, &role.CreatedAt)
	if err != nil {
		return Role{}, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &role.Metadata); err != nil {
			return Role{}, err
		}
	}
	return role, nil
}

// GetRole fetches a role by ID.
func (s *PostgresStore) GetRole(ctx context.Context, id string) (Role, error) {
	var role Role
	var metaRaw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, metadata, created_at FROM authz_roles WHERE id = $1`,
		id).Scan(&role.ID, &role.Name, &metaRaw, &role.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, err
	}
	if len(metaRaw) > 0 {
		if err := json.Unmarshal(metaRaw, &role.Metadata); err != nil {
			return Role{}, err
		}
	}
	return role, nil
}

// EnsurePermission upserts a permission record. The stored row wins, since
// permissions are immutable once created.
func (s *PostgresStore) EnsurePermission(ctx context.Context, perm Permission) (Permission, error) {
	if perm.CreatedAt.IsZero() {
		perm.CreatedAt = time.Now()
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO authz_permissions (id, resource_type, action, scope, constraint_kind, constraint_not_before, constraint_not_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET id = EXCLUDED.id
		 RETURNING id, resource_type, action, scope, constraint_kind, constraint_not_before, constraint_not_after, created_at`,
		perm.ID, perm.ResourceType, perm.Action, perm.Scope,
		constraintKind(perm.Constraint), constraintNotBefore(perm.Constraint), constraintNotAfter(perm.Constraint),
		perm.CreatedAt)
	return scanPermission(row)
}

// GetPermission fetches a permission by ID.
func (s *PostgresStore) GetPermission(ctx context.Context, id string) (Permission, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, resource_type, action, scope, constraint_kind, constraint_not_before, constraint_not_after, created_at
		   FROM authz_permissions WHERE id = $1`, id)
	perm, err := scanPermission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, ErrNotFound
	}
	return perm, err
}

// ListPermissions returns the whole catalog ordered by ID.
func (s *PostgresStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, resource_type, action, scope, constraint_kind, constraint_not_before, constraint_not_after, created_at
		   FROM authz_permissions ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	var kind *string
	var notBefore, notAfter *time.Time
	if err := row.Scan(&perm.ID, &perm.ResourceType, &perm.Action, &perm.Scope,
		&kind, &notBefore, &notAfter, &perm.CreatedAt); err != nil {
		return Permission{}, err
	}
	if kind != nil {
		c := Constraint{Kind: ConstraintKind(*kind)}
		if notBefore != nil {
			c.NotBefore = *notBefore
		}
		if notAfter != nil {
			c.NotAfter = *notAfter
		}
		perm.Constraint = &c
	}
	return perm, nil
}

func constraintKind(c *Constraint) *string {
	if c == nil {
		return nil
	}
	kind := string(c.Kind)
	return &kind
}

func constraintNotBefore(c *Constraint) *time.Time {
	if c == nil || c.NotBefore.IsZero() {
		return nil
	}
	return &c.NotBefore
}

func constraintNotAfter(c *Constraint) *time.Time {
	if c == nil || c.NotAfter.IsZero() {
		return nil
	}
	return &c.NotAfter
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateGrant
	}
	return err
}
