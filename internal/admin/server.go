// Package admin exposes pbx's read-only operational HTTP surface:
// liveness, Prometheus metrics, and a snapshot of registry state.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/pbx/internal/admin/middleware"
	"github.com/flowpbx/pbx/internal/pbx"
)

// Registry is the narrow view of internal/pbx.Registry the /status
// endpoint needs.
type Registry interface {
	Count() int
	StateHistogram() map[pbx.State]int
}

// Server is the admin HTTP surface: a thin chi.Mux wrapped in an
// http.Server, following the same Server-wraps-chi.Mux shape as the
// teacher's internal/api.Server.
type Server struct {
	router    *chi.Mux
	registry  Registry
	logger    *slog.Logger
	startedAt time.Time

	httpSrv *http.Server
}

// NewServer creates the admin HTTP handler with all routes mounted.
// metricsHandler serves /metrics; passing nil mounts promhttp.Handler(),
// which serves Prometheus's process-wide default registry.
func NewServer(registry Registry, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    chi.NewRouter(),
		registry:  registry,
		logger:    logger.With("component", "admin"),
		startedAt: time.Now(),
	}
	s.routes(metricsHandler)
	return s
}

func (s *Server) routes(metricsHandler http.Handler) {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)

	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"registered_extensions": s.registry.Count(),
		"states":                s.registry.StateHistogram(),
		"uptime":                time.Since(s.startedAt).String(),
	})
}

// Start binds addr and serves in a background goroutine, returning once
// the listener is ready. An empty addr disables the admin surface
// entirely — Start returns nil without listening.
func (s *Server) Start(addr string) error {
	if addr == "" {
		s.logger.Info("admin http surface disabled")
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.httpSrv = &http.Server{Handler: s}
	s.logger.Info("admin http surface listening", "addr", ln.Addr().String())

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin http surface stopped", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the admin HTTP server, if it was started.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
