// Package server exposes the trading and graduation API over HTTP, plus the
// WebSocket live feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/promptpad/internal/domain"
	"github.com/alanyoungcy/promptpad/internal/server/handler"
	"github.com/alanyoungcy/promptpad/internal/server/middleware"
	"github.com/alanyoungcy/promptpad/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // empty disables authentication
	RateLimit       int    // requests per RateLimitWindow per client; 0 disables
	RateLimitWindow time.Duration
	// WriteTimeout must cover a synchronous graduation trigger.
	WriteTimeout time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health      *handler.HealthHandler
	Tokens      *handler.TokenHandler
	Trades      *handler.TradeHandler
	Graduations *handler.GraduationHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain
// CORS -> Logging -> Auth -> RateLimit. hub and limiter may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)

	mux.HandleFunc("GET /api/tokens", h.Tokens.ListTokens)
	mux.HandleFunc("POST /api/tokens", h.Tokens.CreateToken)
	mux.HandleFunc("GET /api/tokens/{id}", h.Tokens.GetToken)
	mux.HandleFunc("GET /api/tokens/{id}/curve", h.Tokens.GetCurve)
	mux.HandleFunc("GET /api/tokens/{id}/progress", h.Tokens.GetProgress)

	mux.HandleFunc("GET /api/tokens/{id}/quote", h.Trades.Quote)
	mux.HandleFunc("GET /api/tokens/{id}/trades", h.Trades.ListTrades)
	mux.HandleFunc("POST /api/tokens/{id}/trades", h.Trades.ExecuteTrade)

	mux.HandleFunc("GET /api/tokens/{id}/graduation", h.Graduations.Get)
	mux.HandleFunc("POST /api/tokens/{id}/graduation", h.Graduations.Trigger)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      Chain(mux, cfg, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: writeTimeout(cfg),
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Chain wraps h in the API middleware stack, outermost first.
func Chain(h http.Handler, cfg Config, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	h = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(h)
	h = middleware.Auth(cfg.APIKey)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

func writeTimeout(cfg Config) time.Duration {
	if cfg.WriteTimeout > 0 {
		return cfg.WriteTimeout
	}
	return 5 * time.Minute
}

// Handler returns the fully wrapped root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
