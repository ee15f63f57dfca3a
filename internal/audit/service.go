package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gabrielmaialva33/base-acl-go/internal/authz"
)

// Repository persists and queries audit rows.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	TimelineWindow(ctx context.Context, filters TimelineFilters, offset, limit int) ([]Record, error)
}

// Service records authorization facts and serves the audit timeline.
type Service struct {
	repo Repository
}

// NewService creates an audit service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// RecordFact maps a fact to an audit row and persists it. Delivery is at
// least once; rows are keyed by a fresh ID so replays add rows rather than
// overwrite history.
func (s *Service) RecordFact(ctx context.Context, fact authz.Fact) error {
	if s.repo == nil {
		return fmt.Errorf("audit: repository not configured")
	}
	rec := Record{
		ID:         uuid.New(),
		FactKind:   fact.Kind(),
		OccurredAt: fact.OccurredAt(),
		RecordedAt: time.Now(),
	}
	switch f := fact.(type) {
	case authz.PermissionGranted:
		rec.SubjectKind = string(f.Subject.Kind)
		rec.SubjectID = f.Subject.ID
		rec.PermissionID = f.PermissionID
		rec.Actor = f.Actor
	case authz.PermissionRevoked:
		rec.SubjectKind = string(f.Subject.Kind)
		rec.SubjectID = f.Subject.ID
		rec.PermissionID = f.PermissionID
		rec.Actor = f.Actor
	case authz.RoleAssigned:
		rec.SubjectKind = string(authz.SubjectUser)
		rec.SubjectID = f.UserID
		rec.RoleID = f.RoleID
		rec.Actor = f.Actor
	case authz.RoleRevoked:
		rec.SubjectKind = string(authz.SubjectUser)
		rec.SubjectID = f.UserID
		rec.RoleID = f.RoleID
		rec.Actor = f.Actor
	default:
		return fmt.Errorf("audit: unknown fact kind %q", fact.Kind())
	}
	return s.repo.Insert(ctx, rec)
}

// Timeline returns audit rows with paging.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * pageSize

	rows, err := s.repo.TimelineWindow(ctx, filters, offset, pageSize+1)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}
