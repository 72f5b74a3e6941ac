// Package api serves the bridge's optional HTTP endpoint: Prometheus
// metrics, dependency health and build information.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/buildinfo"
	"github.com/DAVe3283/ds18b20-to-mqtt-for-hass/internal/connwatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// HealthSource reports dependency health. Satisfied by
// [connwatch.Manager].
type HealthSource interface {
	Status() map[string]connwatch.ServiceStatus
	Healthy() bool
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status       string                             `json:"status"`
	Version      string                             `json:"version"`
	Uptime       string                             `json:"uptime"`
	Dependencies map[string]connwatch.ServiceStatus `json:"dependencies"`
}

// Server is the metrics and health HTTP server.
type Server struct {
	listen   string
	gatherer prometheus.Gatherer
	health   HealthSource
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a server on listen (host:port). health may be nil,
// in which case /healthz always reports healthy.
func NewServer(listen string, gatherer prometheus.Gatherer, health HealthSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen:   listen,
		gatherer: gatherer,
		health:   health,
		logger:   logger,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	return s.withLogging(mux)
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	s.logger.Info("starting metrics server", "listen", s.listen)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:       "healthy",
		Version:      buildinfo.Version,
		Uptime:       buildinfo.Uptime().String(),
		Dependencies: map[string]connwatch.ServiceStatus{},
	}
	code := http.StatusOK
	if s.health != nil {
		resp.Dependencies = s.health.Status()
		if !s.health.Healthy() {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}
