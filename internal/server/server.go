// Package server assembles the HTTP surface: event ingress, job
// inspection, queue metrics, health probes, and version info.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/foreman/internal/server/handlers"
	"github.com/3leaps/foreman/internal/server/middleware"
	"github.com/3leaps/foreman/pkg/queue"
)

// Config carries the server's listen and timeout settings.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// RateLimit/RateBurst bound the ingress endpoint. Zero RateLimit
	// disables limiting.
	RateLimit float64
	RateBurst int
}

// Deps are the collaborators handlers need.
type Deps struct {
	Queue  queue.Queue
	Health *handlers.HealthManager
	Logger *zap.Logger

	Version   string
	Commit    string
	BuildDate string
}

// Server is the HTTP front end.
type Server struct {
	cfg    Config
	router chi.Router
	http   *http.Server
	logger *zap.Logger
}

// New builds the server and its route table.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		logger: deps.Logger,
	}
	s.router = buildRouter(cfg, deps)
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func buildRouter(cfg Config, deps Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(deps.Logger))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, "NOT_FOUND", "resource not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		middleware.WriteError(w, req, "METHOD_NOT_ALLOWED", "method not allowed", http.StatusMethodNotAllowed)
	})

	events := handlers.NewEvents(deps.Queue, deps.Logger)
	jobs := handlers.NewJobs(deps.Queue, deps.Logger)
	metrics := handlers.NewMetrics(deps.Queue, deps.Logger)
	version := handlers.NewVersion(deps.Version, deps.Commit, deps.BuildDate)

	r.Route("/events", func(r chi.Router) {
		if cfg.RateLimit > 0 {
			limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
			r.Use(middleware.RateLimit(limiter))
		}
		r.Post("/{source}", events.ServeHTTP)
	})

	r.Get("/jobs", jobs.List)
	r.Get("/jobs/{id}", jobs.Get)
	r.Get("/metrics", metrics.ServeHTTP)
	r.Get("/version", version.ServeHTTP)

	if deps.Health != nil {
		r.Get("/health", deps.Health.HealthHandler)
		r.Get("/health/live", deps.Health.LivenessHandler)
		r.Get("/health/ready", deps.Health.ReadinessHandler)
	}

	return r
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.cfg.Port
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen on %s: %w", s.http.Addr, err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
