// Package server is the HTTP and websocket front end for hosted sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/server/handler"
	"github.com/alanyoungcy/ordersim/internal/server/middleware"
	"github.com/alanyoungcy/ordersim/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
}

// Handlers aggregates the route handlers. Optional ones may be nil.
type Handlers struct {
	Health   *handler.HealthHandler
	Sessions *handler.SessionHandler
	Episodes *handler.EpisodeHandler
	Metrics  http.Handler
	Engine   http.Handler // serves the engine protocol for in-process engines
}

// Options carry cross-cutting middleware dependencies.
type Options struct {
	Hub      *ws.Hub
	Limiter  domain.RateLimiter
	Observer middleware.Observer
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, opts, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "http")),
	}
}

// NewHandler builds the routed, middleware-wrapped handler.
func NewHandler(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/ready", handlers.Health.Ready)

	if s := handlers.Sessions; s != nil {
		mux.HandleFunc("POST /api/sessions", s.Create)
		mux.HandleFunc("GET /api/sessions", s.List)
		mux.HandleFunc("POST /api/sessions/{id}/reset", s.Reset)
		mux.HandleFunc("POST /api/sessions/{id}/step", s.Step)
		mux.HandleFunc("GET /api/sessions/{id}/mission", s.Mission)
		mux.HandleFunc("GET /api/sessions/{id}/observations", s.Observations)
		mux.HandleFunc("GET /api/sessions/{id}/reference-action", s.ReferenceAction)
		mux.HandleFunc("GET /api/sessions/{id}/summary", s.Summary)
		mux.HandleFunc("DELETE /api/sessions/{id}", s.Close)
	}
	if e := handlers.Episodes; e != nil {
		mux.HandleFunc("GET /api/episodes", e.List)
		mux.HandleFunc("GET /api/episodes/{id}", e.Get)
	}
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}
	if handlers.Engine != nil {
		mux.Handle("GET /engine", handlers.Engine)
	}
	if opts.Hub != nil {
		mux.HandleFunc("GET /ws", opts.Hub.HandleWS)
	}

	var h http.Handler = mux
	if opts.Limiter != nil {
		h = middleware.RateLimit(opts.Limiter, logger)(h)
	}
	h = middleware.Auth(cfg.APIKey, "/api/health", "/api/ready", "/metrics")(h)
	h = middleware.Logging(logger, opts.Observer)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
