package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/foreman/internal/server/handlers"
	"github.com/3leaps/foreman/internal/server/middleware"
	"github.com/3leaps/foreman/pkg/queue"
)

func newTestServer(cfg Config) *Server {
	health := handlers.NewHealthManager("test")
	return New(cfg, Deps{
		Queue:   queue.NewMemoryQueue(),
		Health:  health,
		Logger:  zap.NewNop(),
		Version: "test",
	})
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv := newTestServer(Config{Host: "127.0.0.1", Port: 0})

	rec := do(srv, http.MethodGet, "/does-not-exist", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.NotEmpty(t, body.Error.RequestID)
}

func TestServerMethodNotAllowed(t *testing.T) {
	srv := newTestServer(Config{})

	rec := do(srv, http.MethodDelete, "/jobs", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var body middleware.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "METHOD_NOT_ALLOWED", body.Error.Code)
}

func TestServerRoutes(t *testing.T) {
	srv := newTestServer(Config{})

	cases := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodPost, "/events/repo", `{"event_type":"issue.opened","delivery_id":"r-1"}`, http.StatusAccepted},
		{http.MethodGet, "/jobs", "", http.StatusOK},
		{http.MethodGet, "/jobs/unknown", "", http.StatusNotFound},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/version", "", http.StatusOK},
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/health/live", "", http.StatusOK},
		{http.MethodGet, "/health/ready", "", http.StatusOK},
	}
	for _, tc := range cases {
		rec := do(srv, tc.method, tc.path, tc.body)
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}
}

func TestServerRateLimitsIngressOnly(t *testing.T) {
	srv := newTestServer(Config{RateLimit: 1, RateBurst: 1})

	first := do(srv, http.MethodPost, "/events/repo", `{"event_type":"issue.opened","delivery_id":"rl-1"}`)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := do(srv, http.MethodPost, "/events/repo", `{"event_type":"issue.opened","delivery_id":"rl-2"}`)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "RATE_LIMITED")

	// Inspection endpoints stay unthrottled.
	for i := 0; i < 5; i++ {
		rec := do(srv, http.MethodGet, "/jobs", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestServerEchoesRequestID(t *testing.T) {
	srv := newTestServer(Config{})

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	req.Header.Set("X-Request-ID", "trace-me")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "trace-me", rec.Header().Get("X-Request-ID"))
}

func TestServerPort(t *testing.T) {
	srv := newTestServer(Config{Port: 8745})
	assert.Equal(t, 8745, srv.Port())
}
