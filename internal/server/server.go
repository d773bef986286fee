// Package server exposes the collar engine over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/collarlabs/collard/internal/domain"
	"github.com/collarlabs/collard/internal/server/handler"
	"github.com/collarlabs/collard/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RateLimit is requests per minute per client; 0 disables limiting.
	RateLimit int
	// Limiter backs the rate limiting middleware; required when RateLimit > 0.
	Limiter domain.RateLimiter
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Rolls     *handler.RollHandler
}

// Server is the headless HTTP API server for the collar daemon.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting).
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Position lifecycle.
	mux.HandleFunc("POST /api/positions", handlers.Positions.Open)
	mux.HandleFunc("GET /api/positions/expired", handlers.Positions.ListExpired)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.Get)
	mux.HandleFunc("GET /api/positions/{id}/preview", handlers.Positions.PreviewSettlement)
	mux.HandleFunc("POST /api/positions/{id}/settle", handlers.Positions.Settle)
	mux.HandleFunc("POST /api/positions/{id}/cancel", handlers.Positions.Cancel)
	mux.HandleFunc("POST /api/positions/{id}/withdraw", handlers.Positions.Withdraw)

	// Roll offers.
	mux.HandleFunc("POST /api/rolls", handlers.Rolls.Create)
	mux.HandleFunc("GET /api/rolls", handlers.Rolls.ListByTaker)
	mux.HandleFunc("GET /api/rolls/{id}", handlers.Rolls.Get)
	mux.HandleFunc("GET /api/rolls/{id}/preview", handlers.Rolls.Preview)
	mux.HandleFunc("POST /api/rolls/{id}/execute", handlers.Rolls.Execute)
	mux.HandleFunc("DELETE /api/rolls/{id}", handlers.Rolls.Cancel)

	// Build the middleware chain.
	var h http.Handler = mux

	if cfg.RateLimit > 0 && cfg.Limiter != nil {
		h = middleware.RateLimit(cfg.Limiter, cfg.RateLimit, time.Minute)(h)
	}
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
