// Package api exposes the HTTP interface for a running crawl. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /progress for the live run snapshot.
//   - GET /events for the recent crawl activity feed.
//   - GET /visits?key=<visit key> for one visit's durable record.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/skudata/catalog-crawler/internal/crawler"
	"github.com/skudata/catalog-crawler/internal/progress"
	"github.com/skudata/catalog-crawler/internal/progress/sinks"
)

// Server wires the observability routes for a crawl run.
type Server struct {
	router chi.Router
	source func() any
	ring   *sinks.RingSink
	visits crawler.VisitReader
	logger *zap.Logger
	http   *http.Server
}

// Config carries the server dependencies.
type Config struct {
	Addr string
	// Progress returns the current run snapshot; required.
	Progress func() any
	// Events optionally serves the recent activity feed.
	Events *sinks.RingSink
	// Visits optionally serves per-key visit lookups.
	Visits crawler.VisitReader
	Logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		source: cfg.Progress,
		ring:   cfg.Events,
		visits: cfg.Visits,
		logger: cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(recoverMiddleware(cfg.Logger))
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/progress", s.progress)
	r.Get("/events", s.events)
	r.Get("/visits", s.visit)

	s.router = r
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router for use with http.Server or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called. It returns nil
// after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("api server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for in-flight requests up to ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	if s.source == nil {
		writeError(w, http.StatusServiceUnavailable, "no crawl running")
		return
	}
	writeJSON(w, http.StatusOK, s.source())
}

func (s *Server) events(w http.ResponseWriter, _ *http.Request) {
	if s.ring == nil {
		writeError(w, http.StatusServiceUnavailable, "event feed disabled")
		return
	}
	recent := s.ring.Recent()
	if recent == nil {
		recent = []progress.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": recent})
}

// visit serves the durable record for one key. Keys are full URLs, so they
// travel in the query string rather than the path.
func (s *Server) visit(w http.ResponseWriter, r *http.Request) {
	if s.visits == nil {
		writeError(w, http.StatusServiceUnavailable, "visit lookup disabled")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key parameter")
		return
	}
	rec, err := s.visits.GetVisit(r.Context(), crawler.VisitKey(key))
	if errors.Is(err, crawler.ErrVisitNotFound) {
		writeError(w, http.StatusNotFound, "unknown visit")
		return
	}
	if err != nil {
		s.logger.Error("visit lookup failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "visit lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
