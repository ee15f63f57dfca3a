package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gabrielmaialva33/base-acl-go/internal/audit"
	"github.com/gabrielmaialva33/base-acl-go/internal/authz"
	"github.com/gabrielmaialva33/base-acl-go/internal/observability"
	"github.com/gabrielmaialva33/base-acl-go/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger       *slog.Logger
	Config       *Config
	Metrics      *observability.Metrics
	AuthzHandler *authz.Handler
	AuditHandler *audit.Handler
	JobHandler   *jobs.Handler
	Guard        authz.Middleware
}

// NewRouter constructs the chi.Router for the authorization service.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(params.Config) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)
	if params.Metrics != nil {
		r.Use(params.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/authz", params.AuthzHandler.MountRoutes)
	if params.AuditHandler != nil {
		r.Route("/audit", func(r chi.Router) {
			r.Use(params.Guard.Require("read", "audit_log", "audit"))
			params.AuditHandler.MountRoutes(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	return r
}
