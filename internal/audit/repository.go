package audit

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgRepository provides PostgreSQL backed persistence for the audit trail.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository constructs a repository.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Insert appends one audit row.
func (r *PgRepository) Insert(ctx context.Context, rec Record) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO authz_audit_log (id, fact_kind, subject_kind, subject_id, permission_id, role_id, actor, occurred_at, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.FactKind, rec.SubjectKind, rec.SubjectID,
		nullable(rec.PermissionID), nullable(rec.RoleID), rec.Actor,
		rec.OccurredAt, rec.RecordedAt)
	return err
}

// TimelineWindow reads a page of audit rows, newest first.
func (r *PgRepository) TimelineWindow(ctx context.Context, filters TimelineFilters, offset, limit int) ([]Record, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, value any) {
		args = append(args, value)
		conds = append(conds, strings.Replace(cond, "?", placeholder(len(args)), 1))
	}
	if !filters.From.IsZero() {
		add("occurred_at >= ?", filters.From)
	}
	if !filters.To.IsZero() {
		add("occurred_at <= ?", filters.To)
	}
	if actor := strings.TrimSpace(filters.Actor); actor != "" {
		add("actor = ?", actor)
	}
	if kind := strings.TrimSpace(filters.FactKind); kind != "" {
		add("fact_kind = ?", kind)
	}

	query := `SELECT id, fact_kind, subject_kind, subject_id, permission_id, role_id, actor, occurred_at, recorded_at FROM authz_audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, offset)
	query += " ORDER BY occurred_at DESC, id OFFSET " + placeholder(len(args))
	args = append(args, limit)
	query += " LIMIT " + placeholder(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var permissionID, roleID *string
		if err := rows.Scan(&rec.ID, &rec.FactKind, &rec.SubjectKind, &rec.SubjectID,
			&permissionID, &roleID, &rec.Actor, &rec.OccurredAt, &rec.RecordedAt); err != nil {
			return nil, err
		}
		if permissionID != nil {
			rec.PermissionID = *permissionID
		}
		if roleID != nil {
			rec.RoleID = *roleID
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
