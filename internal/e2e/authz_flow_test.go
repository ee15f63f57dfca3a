package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielmaialva33/base-acl-go/internal/app"
	"github.com/gabrielmaialva33/base-acl-go/internal/authz"
	"github.com/gabrielmaialva33/base-acl-go/internal/observability"
)

func newServer(t *testing.T) http.Handler {
	t.Helper()
	store := authz.NewMemoryStore()
	channel := authz.NewChannel(64, slog.Default())
	t.Cleanup(channel.Close)

	service, err := authz.NewService(context.Background(), store, authz.NewPolicySet(), channel, nil, slog.Default(), authz.ServiceConfig{})
	require.NoError(t, err)

	metrics := observability.NewMetrics()
	channel.Subscribe(authz.SubscriberFunc(func(_ context.Context, fact authz.Fact) {
		metrics.CountFact(fact.Kind())
	}))

	handler := authz.NewHandler(slog.Default(), service)
	handler.ObserveDecisions(metrics)

	return app.NewRouter(app.RouterParams{
		Logger: slog.Default(),
		Config: &app.Config{
			AppEnv:            "development",
			AppRequestTimeout: 30 * time.Second,
			RateLimit:         1000,
			RateLimitWindow:   time.Minute,
		},
		Metrics:      metrics,
		AuthzHandler: handler,
		Guard:        authz.Middleware{Service: service, Logger: slog.Default()},
	})
}

func postJSON(t *testing.T, server http.Handler, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func checkAllowed(t *testing.T, server http.Handler, body map[string]any) bool {
	t.Helper()
	rec := postJSON(t, server, "/authz/check", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var decision struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decision))
	return decision.Allowed
}

func TestGrantCheckRevokeFlow(t *testing.T) {
	server := newServer(t)

	rec := postJSON(t, server, "/authz/permissions", map[string]any{
		"id":            "doc.read",
		"resource_type": "doc",
		"action":        "read",
		"scope":         "project/42",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	check := map[string]any{
		"subject_kind":  "user",
		"subject_id":    "userX",
		"action":        "read",
		"resource_type": "doc",
		"scope":         "project/42/section/1",
	}
	assert.False(t, checkAllowed(t, server, check))

	rec = postJSON(t, server, "/authz/grants", map[string]any{
		"subject_kind":  "user",
		"subject_id":    "userX",
		"permission_id": "doc.read",
		"actor":         "root",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, checkAllowed(t, server, check))

	req := httptest.NewRequest(http.MethodDelete, "/authz/grants", bytes.NewReader(mustJSON(t, map[string]any{
		"subject_kind":  "user",
		"subject_id":    "userX",
		"permission_id": "doc.read",
		"actor":         "root",
	})))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, checkAllowed(t, server, check))
}

func TestRoleInheritanceFlow(t *testing.T) {
	server := newServer(t)

	rec := postJSON(t, server, "/authz/permissions", map[string]any{
		"id":            "doc.read",
		"resource_type": "doc",
		"action":        "read",
		"scope":         "project/42",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	for _, role := range []string{"viewer", "editor"} {
		rec = postJSON(t, server, "/authz/roles", map[string]any{"id": role, "name": role})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec = postJSON(t, server, "/authz/roles/edges", map[string]any{"parent": "viewer", "child": "editor"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = postJSON(t, server, "/authz/grants", map[string]any{
		"subject_kind":  "role",
		"subject_id":    "viewer",
		"permission_id": "doc.read",
		"actor":         "root",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = postJSON(t, server, "/authz/assignments", map[string]any{
		"user_id": "userX",
		"role_id": "editor",
		"actor":   "root",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	assert.True(t, checkAllowed(t, server, map[string]any{
		"subject_kind":  "user",
		"subject_id":    "userX",
		"action":        "read",
		"resource_type": "doc",
		"scope":         "project/42",
	}))
}

func TestMetricsEndpointCountsDecisions(t *testing.T) {
	server := newServer(t)

	checkAllowed(t, server, map[string]any{
		"subject_kind":  "user",
		"subject_id":    "userX",
		"action":        "read",
		"resource_type": "doc",
		"scope":         "project/42",
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `acl_authz_decisions_total{reason="no_grant"} 1`))
}

func mustJSON(t *testing.T, body map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	return data
}
