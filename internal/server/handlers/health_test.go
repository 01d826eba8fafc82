package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(ctx context.Context) error {
	return s.err
}

func TestHealthHandlerReturnsHealthyStatus(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("queue", stubChecker{err: nil})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	manager.HealthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Fatalf("expected healthy status, got %s", resp.Status)
	}

	if resp.Version != "1.2.3" {
		t.Fatalf("expected version 1.2.3, got %s", resp.Version)
	}

	if resp.Checks["queue"] != "healthy" {
		t.Fatalf("expected queue check to be healthy, got %s", resp.Checks["queue"])
	}
}

func TestHealthHandlerReturnsServiceUnavailableWhenUnhealthy(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("queue", stubChecker{err: nil})
	manager.RegisterChecker("workspace_root", stubChecker{err: errors.New("stat failed")})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	manager.HealthHandler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}

	var resp struct {
		Error struct {
			Code    string                 `json:"code"`
			Message string                 `json:"message"`
			Details map[string]interface{} `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Error.Code != "SERVICE_UNAVAILABLE" {
		t.Fatalf("expected SERVICE_UNAVAILABLE error code, got %s", resp.Error.Code)
	}

	if resp.Error.Details == nil {
		t.Fatal("expected error details with per-check status")
	}

	if status, ok := resp.Error.Details["workspace_root"].(string); !ok || status != "stat failed" {
		t.Fatalf("expected workspace_root failure detail, got %v", resp.Error.Details["workspace_root"])
	}

	if status, ok := resp.Error.Details["queue"].(string); !ok || status != "healthy" {
		t.Fatalf("expected queue to remain healthy in details, got %v", resp.Error.Details["queue"])
	}
}

func TestHealthHandlerWithNoCheckers(t *testing.T) {
	manager := NewHealthManager("dev")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	manager.HealthHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
}

func TestLivenessHandlerSkipsChecks(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("queue", stubChecker{err: errors.New("down")})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	rec := httptest.NewRecorder()

	manager.LivenessHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("liveness must not run checks, got status %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "alive" {
		t.Fatalf("expected alive status, got %s", resp.Status)
	}
}

func TestReadinessHandlerRunsChecks(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("queue", stubChecker{err: errors.New("not ready")})

	req := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec := httptest.NewRecorder()

	manager.ReadinessHandler(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}

func TestCheckerFunc(t *testing.T) {
	called := false
	c := CheckerFunc(func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := c.CheckHealth(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected wrapped function to be called")
	}
}
