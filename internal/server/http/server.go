// Package httpserver serves the metrics, health and run status endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/helixir/doicache/internal/database"
)

// Defaults for Config.
const (
	DefaultMetricsPath     = "/metrics"
	DefaultShutdownTimeout = 5 * time.Second
)

// StatusFunc reports the current run.
type StatusFunc func() RunStatus

// HealthChecker reports database health. *database.DB satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) database.HealthStatus
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	MetricsPath     string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// Server exposes /metrics, /healthz, /readyz and /status.
type Server struct {
	cfg        Config
	router     chi.Router
	httpServer *http.Server
	status     StatusFunc
	gatherer   prometheus.Gatherer
	db         HealthChecker
	logger     zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithHealthChecker includes database health in /healthz and /readyz.
func WithHealthChecker(h HealthChecker) Option {
	return func(s *Server) { s.db = h }
}

// NewServer creates the server. status may be nil, in which case /status
// reports an idle process.
func NewServer(cfg Config, status StatusFunc, logger zerolog.Logger, opts ...Option) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = DefaultMetricsPath
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		cfg:      cfg,
		status:   status,
		gatherer: prometheus.DefaultGatherer,
		logger:   logger.With().Str("component", "http-server").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(requestLogger(s.logger))

	r.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(jsonContentTypeMiddleware)
		r.Get("/healthz", s.healthHandler)
		r.Get("/readyz", s.readinessHandler)
		r.Get("/status", s.statusHandler)
	})

	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info().Str("address", ln.Addr().String()).Msg("HTTP server starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// healthHandler returns liveness, with database health when a journal is
// configured.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}
	health := s.db.Health(r.Context())
	if health.Status == "healthy" {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Database: health.Status})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, healthResponse{
		Status:   "unhealthy",
		Database: health.Status,
		Error:    health.Error,
	})
}

// readinessHandler is ready while a run is in progress.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if health := s.db.Health(r.Context()); health.Status != "healthy" {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{
				Status:   "not_ready",
				Database: health.Status,
				Error:    health.Error,
			})
			return
		}
	}
	if s.status != nil && s.status().Running {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "not_ready"})
}

// statusHandler returns the current run's summary.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var status RunStatus
	if s.status != nil {
		status = s.status()
	}
	writeJSON(w, http.StatusOK, status)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
