// Package server exposes the admin HTTP API, the round event websocket and
// the prometheus scrape endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/roundengine/internal/server/handler"
	"github.com/alanyoungcy/roundengine/internal/server/middleware"
	"github.com/alanyoungcy/roundengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKeyHash  string  // bcrypt hash; admin routes are open when empty
	RateLimit   float64 // requests per second per client IP; 0 disables
	RateBurst   int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Admin  *handler.AdminHandler
}

// Server is the headless HTTP + WebSocket API server for the round engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// Admin routes require the API key; health, status, metrics and the websocket
// are public.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewRouter(cfg, handlers, wsHub, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// NewRouter builds the routed, middleware-wrapped handler.
func NewRouter(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	admin := middleware.Auth(cfg.APIKeyHash)

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /api/admin/trade-mode", admin(http.HandlerFunc(handlers.Admin.GetTradeMode)))
	mux.Handle("PUT /api/admin/trade-mode", admin(http.HandlerFunc(handlers.Admin.SetTradeMode)))
	mux.Handle("PUT /api/admin/decision/{instrument}", admin(http.HandlerFunc(handlers.Admin.SetDecision)))
	mux.Handle("DELETE /api/admin/decision/{instrument}", admin(http.HandlerFunc(handlers.Admin.ClearDecision)))

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.RateLimit(cfg.RateLimit, cfg.RateBurst)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
