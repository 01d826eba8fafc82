// Package handlers implements the HTTP endpoints: event ingress, job
// inspection, queue metrics, health, and version.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/3leaps/foreman/internal/server/middleware"
)

// Checker reports the health of one subsystem.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// CheckHealth implements Checker.
func (f CheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthResponse is the healthy-path body of /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Time    string            `json:"time"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager aggregates subsystem health checks.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewHealthManager creates a manager reporting the given version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]Checker),
	}
}

// RegisterChecker adds a named subsystem check.
func (m *HealthManager) RegisterChecker(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// HealthHandler runs all checks. Any failure yields 503 with per-check
// detail in the error envelope.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	checks := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := checkers[name].CheckHealth(r.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "healthy"
		}
	}

	if !healthy {
		writeUnhealthy(w, r, checks)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: m.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Checks:  checks,
	})
}

// LivenessHandler reports process liveness only; it never runs checks.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "alive",
		Version: m.version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// ReadinessHandler is HealthHandler under a bounded deadline so a hung
// backend cannot stall the probe.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	m.HealthHandler(w, r.WithContext(ctx))
}

func writeUnhealthy(w http.ResponseWriter, r *http.Request, checks map[string]string) {
	details := make(map[string]interface{}, len(checks))
	for name, status := range checks {
		details[name] = status
	}
	resp := middleware.ErrorResponse{
		Error: middleware.ErrorDetail{
			Code:      "SERVICE_UNAVAILABLE",
			Message:   "one or more health checks failed",
			RequestID: middleware.GetRequestID(r.Context()),
			Details:   details,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
