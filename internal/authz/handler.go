package authz

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gabrielmaialva33/base-acl-go/internal/platform/httpx"
)

// DecisionObserver counts check outcomes, keyed by reason.
type DecisionObserver interface {
	ObserveDecision(reason string)
}

// Handler wires the HTTP surface of the authorization service.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	observer  DecisionObserver
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// ObserveDecisions registers an observer notified on every check. A nil
// observer disables observation.
func (h *Handler) ObserveDecisions(obs DecisionObserver) {
	h.observer = obs
}

// MountRoutes registers authorization routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/check", h.check)
	r.Get("/subjects/{kind}/{id}/permissions", h.effectivePermissions)
	r.Post("/grants", h.grant)
	r.Delete("/grants", h.revoke)
	r.Post("/assignments", h.assignRole)
	r.Delete("/assignments", h.revokeRole)
	r.Post("/roles", h.ensureRole)
	r.Post("/roles/edges", h.addEdge)
	r.Delete("/roles/edges", h.removeEdge)
	r.Post("/permissions", h.ensurePermission)
	r.Get("/permissions", h.listPermissions)
}

type checkRequest struct {
	SubjectKind  string            `json:"subject_kind" validate:"required,oneof=user role"`
	SubjectID    string            `json:"subject_id" validate:"required"`
	Action       string            `json:"action" validate:"required"`
	ResourceType string            `json:"resource_type" validate:"required"`
	ResourceID   string            `json:"resource_id"`
	Scope        string            `json:"scope" validate:"required"`
	OwnerID      string            `json:"owner_id"`
	Attributes   map[string]string `json:"attributes"`
}

type decisionResponse struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason"`
	MatchedACE string `json:"matched_ace,omitempty"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	decision, err := h.service.CheckPermission(r.Context(), CheckRequest{
		Subject:      Subject{ID: req.SubjectID, Kind: SubjectKind(req.SubjectKind)},
		Action:       req.Action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Scope:        Scope(req.Scope),
		OwnerID:      req.OwnerID,
		Attributes:   req.Attributes,
	})
	if err != nil {
		h.logger.Warn("check permission", slog.Any("error", err))
	}
	if h.observer != nil {
		h.observer.ObserveDecision(decision.Reason)
	}
	resp := decisionResponse{Allowed: decision.Allowed, Reason: decision.Reason}
	if decision.MatchedACE != uuid.Nil {
		resp.MatchedACE = decision.MatchedACE.String()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type grantRequest struct {
	SubjectKind  string     `json:"subject_kind" validate:"required,oneof=user role"`
	SubjectID    string     `json:"subject_id" validate:"required"`
	PermissionID string     `json:"permission_id" validate:"required"`
	Actor        string     `json:"actor" validate:"required"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !h.decode(w, r, &req) {
		return
	}
	subject := Subject{ID: req.SubjectID, Kind: SubjectKind(req.SubjectKind)}
	entry, err := h.service.GrantPermission(r.Context(), subject, req.PermissionID, req.Actor, req.ExpiresAt)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"ace_id":     entry.ID.String(),
		"granted_at": entry.GrantedAt,
	})
}

type revokeRequest struct {
	SubjectKind  string `json:"subject_kind" validate:"required,oneof=user role"`
	SubjectID    string `json:"subject_id" validate:"required"`
	PermissionID string `json:"permission_id" validate:"required"`
	Actor        string `json:"actor" validate:"required"`
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if !h.decode(w, r, &req) {
		return
	}
	subject := Subject{ID: req.SubjectID, Kind: SubjectKind(req.SubjectKind)}
	if err := h.service.RevokePermission(r.Context(), subject, req.PermissionID, req.Actor); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type assignmentRequest struct {
	UserID string `json:"user_id" validate:"required"`
	RoleID string `json:"role_id" validate:"required"`
	Actor  string `json:"actor" validate:"required"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	assignment, err := h.service.AssignRole(r.Context(), req.UserID, req.RoleID, req.Actor)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"assignment_id": assignment.ID.String(),
		"assigned_at":   assignment.AssignedAt,
	})
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.RevokeRole(r.Context(), req.UserID, req.RoleID, req.Actor); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	kind := SubjectKind(chi.URLParam(r, "kind"))
	if kind != SubjectUser && kind != SubjectRole {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "subject kind must be user or role")
		return
	}
	subject := Subject{ID: chi.URLParam(r, "id"), Kind: kind}
	perms, err := h.service.GetEffectivePermissions(r.Context(), subject)
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(perms))
	for _, p := range perms {
		out = append(out, map[string]any{
			"id":            p.ID,
			"resource_type": p.ResourceType,
			"action":        p.Action,
			"scope":         p.Scope.String(),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

type roleRequest struct {
	ID       string            `json:"id" validate:"required"`
	Name     string            `json:"name" validate:"required"`
	Metadata map[string]string `json:"metadata"`
}

func (h *Handler) ensureRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.service.EnsureRole(r.Context(), Role{ID: req.ID, Name: req.Name, Metadata: req.Metadata})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"id": role.ID, "name": role.Name})
}

type edgeRequest struct {
	Parent string `json:"parent" validate:"required"`
	Child  string `json:"child" validate:"required"`
}

func (h *Handler) addEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.AddRoleEdge(r.Context(), req.Parent, req.Child); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]string{"status": "ok"})
}

func (h *Handler) removeEdge(w http.ResponseWriter, r *http.Request) {
	var req edgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.RemoveRoleEdge(r.Context(), req.Parent, req.Child); err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type permissionRequest struct {
	ID           string `json:"id" validate:"required"`
	ResourceType string `json:"resource_type" validate:"required"`
	Action       string `json:"action" validate:"required"`
	Scope        string `json:"scope" validate:"required"`
	Constraint   *struct {
		Kind      string     `json:"kind" validate:"omitempty,oneof=owner_only time_window"`
		NotBefore *time.Time `json:"not_before"`
		NotAfter  *time.Time `json:"not_after"`
	} `json:"constraint"`
}

func (h *Handler) ensurePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm := Permission{
		ID:           req.ID,
		ResourceType: req.ResourceType,
		Action:       req.Action,
		Scope:        Scope(req.Scope),
	}
	if req.Constraint != nil {
		c := Constraint{Kind: ConstraintKind(req.Constraint.Kind)}
		if req.Constraint.NotBefore != nil {
			c.NotBefore = *req.Constraint.NotBefore
		}
		if req.Constraint.NotAfter != nil {
			c.NotAfter = *req.Constraint.NotAfter
		}
		perm.Constraint = &c
	}
	stored, err := h.service.EnsurePermission(r.Context(), perm)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"id": stored.ID})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(perms))
	for _, p := range perms {
		out = append(out, map[string]any{
			"id":            p.ID,
			"resource_type": p.ResourceType,
			"action":        p.Action,
			"scope":         p.Scope.String(),
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed json body")
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

// respondError maps the domain taxonomy onto RFC7807 problem responses.
func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrDuplicateGrant):
		httpx.Problem(w, http.StatusConflict, "Duplicate Grant", err.Error())
	case errors.Is(err, ErrCycleDetected):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Cycle Detected", err.Error())
	case errors.Is(err, ErrVersionConflict):
		httpx.Problem(w, http.StatusConflict, "Version Conflict", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidScope):
		httpx.Problem(w, http.StatusBadRequest, "Invalid Scope", err.Error())
	case errors.Is(err, ErrBackendTimeout):
		httpx.Problem(w, http.StatusServiceUnavailable, "Backend Timeout", err.Error())
	default:
		h.logger.Error("authz request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
