package audit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gabrielmaialva33/base-acl-go/internal/platform/httpx"
)

// Handler exposes the audit timeline over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers audit routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/timeline", h.timeline)
}

func (h *Handler) timeline(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := TimelineFilters{
		Actor:    q.Get("actor"),
		FactKind: q.Get("fact"),
	}
	if raw := q.Get("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.From = t
		}
	}
	if raw := q.Get("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.To = t
		}
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	result, err := h.service.Timeline(r.Context(), filters)
	if err != nil {
		h.logger.Error("audit timeline", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	rows := make([]map[string]any, 0, len(result.Rows))
	for _, rec := range result.Rows {
		rows = append(rows, map[string]any{
			"id":            rec.ID.String(),
			"fact":          rec.FactKind,
			"subject_kind":  rec.SubjectKind,
			"subject_id":    rec.SubjectID,
			"permission_id": rec.PermissionID,
			"role_id":       rec.RoleID,
			"actor":         rec.Actor,
			"occurred_at":   rec.OccurredAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"rows":   rows,
		"paging": result.Paging,
	})
}
