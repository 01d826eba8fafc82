package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/foreman/internal/server/middleware"
	"github.com/3leaps/foreman/pkg/job"
	"github.com/3leaps/foreman/pkg/queue"
)

// Jobs handles read-only job inspection endpoints.
type Jobs struct {
	queue  queue.Queue
	logger *zap.Logger
}

// NewJobs creates the job inspection handler.
func NewJobs(q queue.Queue, logger *zap.Logger) *Jobs {
	return &Jobs{queue: q, logger: logger}
}

// List handles GET /jobs with an optional ?status= filter.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.List(r.Context())
	if err != nil {
		h.logger.Error("job list failed", zap.Error(err))
		middleware.WriteError(w, r, "QUEUE_ERROR", "could not list jobs", http.StatusInternalServerError)
		return
	}

	if filter := strings.TrimSpace(r.URL.Query().Get("status")); filter != "" {
		status := job.Status(filter)
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Get handles GET /jobs/{id}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	j, err := h.queue.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			middleware.WriteError(w, r, "NOT_FOUND", "job not found: "+jobID, http.StatusNotFound)
			return
		}
		h.logger.Error("job get failed", zap.String("job_id", jobID), zap.Error(err))
		middleware.WriteError(w, r, "QUEUE_ERROR", "could not load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// Metrics handles GET /metrics with the aggregate queue snapshot.
type Metrics struct {
	queue  queue.Queue
	logger *zap.Logger
}

// NewMetrics creates the metrics handler.
func NewMetrics(q queue.Queue, logger *zap.Logger) *Metrics {
	return &Metrics{queue: q, logger: logger}
}

// ServeHTTP implements the metrics endpoint.
func (h *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m, err := h.queue.Metrics(r.Context())
	if err != nil {
		h.logger.Error("metrics snapshot failed", zap.Error(err))
		middleware.WriteError(w, r, "QUEUE_ERROR", "could not compute metrics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
