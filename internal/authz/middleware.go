package authz

import (
	"log/slog"
	"net/http"
)

// SubjectHeader names the header an upstream authenticator sets with the
// acting user's identifier. Token verification itself happens before this
// service.
const SubjectHeader = "X-Subject-Id"

// Middleware guards HTTP routes with the authorization engine itself.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// Require ensures the current user holds the permission before letting the
// request through. Missing identity or any evaluation failure denies.
func (m Middleware) Require(action, resourceType string, scope Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get(SubjectHeader)
			if userID == "" {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			decision, err := m.Service.CheckPermission(r.Context(), CheckRequest{
				Subject:      UserSubject(userID),
				Action:       action,
				ResourceType: resourceType,
				Scope:        scope,
			})
			if err != nil && m.Logger != nil {
				m.Logger.Warn("authz middleware check", slog.Any("error", err))
			}
			if !decision.Allowed {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
