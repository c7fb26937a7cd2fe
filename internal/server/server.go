// Package server hosts the local console API: core routes, plugin routes
// mounted under /api/v1/{plugin}, the event websocket and /metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/subnetgrid/internal/registry"
	"github.com/HerbHall/subnetgrid/internal/version"
	"github.com/HerbHall/subnetgrid/pkg/plugin"
)

// Server is the SubnetGrid console API server.
type Server struct {
	httpServer *http.Server
	registry   *registry.Registry
	hub        *EventHub
	metrics    http.Handler
	logger     *zap.Logger
	mux        *http.ServeMux
}

// Option customises a Server.
type Option func(*Server)

// WithEventHub exposes hub at /api/v1/events.
func WithEventHub(hub *EventHub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithMetrics exposes h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates a server. Plugin routes are mounted from reg, so plugins must
// be initialized first.
func New(addr string, reg *registry.Registry, logger *zap.Logger, opts ...Option) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		registry: reg,
		logger:   logger,
		mux:      mux,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerCoreRoutes()
	s.mountPluginRoutes()

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// registerCoreRoutes sets up routes that are always available.
func (s *Server) registerCoreRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
	if s.hub != nil {
		s.mux.Handle("GET /api/v1/events", s.hub)
	}
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// mountPluginRoutes registers all plugin routes under /api/v1/{plugin}.
func (s *Server) mountPluginRoutes() {
	for pluginName, routes := range s.registry.AllRoutes() {
		for _, route := range routes {
			pattern := fmt.Sprintf("%s /api/v1/%s%s", route.Method, pluginName, route.Path)
			s.mux.HandleFunc(pattern, route.Handler)
			s.logger.Debug("mounted route",
				zap.String("plugin", pluginName),
				zap.String("pattern", pattern),
			)
		}
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown disconnects websocket clients and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth reports overall status, version and per-plugin health. Any
// plugin reporting "unhealthy" degrades the overall status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := make(map[string]plugin.HealthStatus)
	for _, p := range s.registry.All() {
		hc, ok := p.(plugin.HealthChecker)
		if !ok {
			continue
		}
		h := hc.Health(r.Context())
		checks[p.Info().Name] = h
		if h.Status == "unhealthy" {
			status = "degraded"
		}
	}

	w.Header().Set("X-SubnetGrid-Version", version.Short())
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"service": "subnetgrid",
		"version": version.Map(),
		"plugins": checks,
	})
}

// handlePlugins lists every registered plugin, including disabled ones.
func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("X-SubnetGrid-Version", version.Short())
	WriteJSON(w, http.StatusOK, s.registry.States())
}
