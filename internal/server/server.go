// Package server exposes the ledger over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/metrics"
	"github.com/alanyoungcy/betledger/internal/server/handler"
	"github.com/alanyoungcy/betledger/internal/server/middleware"
	"github.com/alanyoungcy/betledger/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // guards operator endpoints; empty disables them
	RateLimit   int    // writes per client IP per RateWindow
	RateWindow  time.Duration
	MetricsPath string // empty disables /metrics
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health   *handler.HealthHandler
	Bets     *handler.BetHandler
	Metadata *handler.MetadataHandler
	Tx       *handler.TxHandler
	Audit    *handler.AuditHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain. wsHub
// and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           NewHandler(cfg, handlers, wsHub, limiter, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler returns the routed handler with middleware applied.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/bets", handlers.Bets.ListBets)
	mux.HandleFunc("GET /api/bets/next-id", handlers.Bets.NextBetID)
	mux.HandleFunc("GET /api/bets/{id}", handlers.Bets.GetBet)
	mux.HandleFunc("GET /api/bets/{id}/summary", handlers.Bets.Summary)
	mux.HandleFunc("GET /api/bets/{id}/pools/{outcome}", handlers.Bets.OutcomePool)
	mux.HandleFunc("GET /api/bets/{id}/investments/{outcome}/{investor}", handlers.Bets.Investment)
	mux.HandleFunc("GET /api/investors/{address}/positions", handlers.Bets.Positions)

	mux.HandleFunc("POST /api/metadata", handlers.Metadata.Upload)
	mux.HandleFunc("GET /api/metadata/{ref}", handlers.Metadata.Get)

	mux.HandleFunc("POST /api/tx", handlers.Tx.Submit)
	mux.HandleFunc("GET /api/tx/{id}", handlers.Tx.Status)
	mux.HandleFunc("GET /api/tx/{id}/wait", handlers.Tx.Wait)

	if handlers.Audit != nil {
		mux.Handle("GET /api/audit", middleware.RequireAPIKey(cfg.APIKey)(http.HandlerFunc(handlers.Audit.List)))
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}
	if cfg.MetricsPath != "" {
		mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	}

	// metrics.Middleware reads the matched pattern, so it wraps the mux
	// directly.
	var h http.Handler = metrics.Middleware(mux)
	h = middleware.RateLimitWrites(limiter, cfg.RateLimit, cfg.RateWindow)(h)
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
