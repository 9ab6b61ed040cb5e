package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/drallgood/reader-progress-sync/internal/api"
	"github.com/drallgood/reader-progress-sync/internal/logger"
)

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	Health() error
}

// Options holds the HTTP server settings.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server represents the HTTP server
type Server struct {
	server *http.Server
	router chi.Router
	health HealthChecker
	logger *logger.Logger
}

// New creates the HTTP server and registers every route.
func New(opts Options, apiHandler *api.Handler, health HealthChecker, log *logger.Logger) *Server {
	log = log.Component("http_server")
	s := &Server{
		health: health,
		logger: log,
	}

	r := chi.NewRouter()
	r.Use(logger.RequestIDMiddleware(log))
	r.Use(logger.HTTPMiddleware(log))
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealthCheck)
	r.Route("/api", apiHandler.RegisterRoutes)
	s.router = r

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 30 * time.Second
	}
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", map[string]interface{}{
		"addr": s.server.Addr,
	})

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	code := http.StatusOK
	body := map[string]string{"status": "ok"}
	if s.health != nil {
		if err := s.health.Health(); err != nil {
			code = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body["error"] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to write health response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}
