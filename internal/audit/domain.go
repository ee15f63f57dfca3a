package audit

import (
	"time"

	"github.com/google/uuid"
)

// Record is one row of the append-only audit trail. Rows are never updated
// or deleted; compliance replay walks them in order.
type Record struct {
	ID           uuid.UUID
	FactKind     string
	SubjectKind  string
	SubjectID    string
	PermissionID string
	RoleID       string
	Actor        string
	OccurredAt   time.Time
	RecordedAt   time.Time
}

// TimelineFilters narrows a timeline query.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Actor    string
	FactKind string
	Page     int
	PageSize int
}

// PagingInfo carries paging state for timeline responses.
type PagingInfo struct {
	Page     int
	PageSize int
	HasNext  bool
	PrevPage int
	NextPage int
}

// Result wraps timeline rows with paging information.
type Result struct {
	Rows   []Record
	Paging PagingInfo
}
