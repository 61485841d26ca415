// Package server exposes the marketplace over HTTP and websocket.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/nftmarketplace/internal/crypto"
	"github.com/alanyoungcy/nftmarketplace/internal/domain"
	"github.com/alanyoungcy/nftmarketplace/internal/server/handler"
	"github.com/alanyoungcy/nftmarketplace/internal/server/middleware"
	"github.com/alanyoungcy/nftmarketplace/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Handlers aggregates the HTTP handlers. Collections and Wallets are nil
// when the marketplace runs against a chain.
type Handlers struct {
	Health      *handler.HealthHandler
	Listings    *handler.ListingHandler
	Proceeds    *handler.ProceedsHandler
	Collections *handler.CollectionHandler
	Wallets     *handler.WalletHandler
}

// Options carries the optional collaborators of the server.
type Options struct {
	Verifier *crypto.Verifier
	Limiter  domain.RateLimiter
	Hub      *ws.Hub
	Metrics  http.Handler
	Observer middleware.RequestObserver
}

// Server is the HTTP + websocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and builds the middleware chain.
// Mutating routes require a request signature and are rate limited per
// caller.
func NewServer(cfg Config, handlers Handlers, opts Options, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	signed := func(h http.HandlerFunc) http.Handler {
		var next http.Handler = h
		if opts.Limiter != nil && cfg.RateLimit > 0 {
			next = middleware.RateLimit(opts.Limiter, cfg.RateLimit, cfg.RateLimitWindow, logger)(next)
		}
		return middleware.Signature(opts.Verifier, logger)(next)
	}

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/listings/{collection}/{assetId}", handlers.Listings.GetListing)
	mux.Handle("POST /api/listings", signed(handlers.Listings.ListItem))
	mux.Handle("PUT /api/listings/{collection}/{assetId}", signed(handlers.Listings.UpdateListing))
	mux.Handle("DELETE /api/listings/{collection}/{assetId}", signed(handlers.Listings.CancelListing))
	mux.Handle("POST /api/listings/{collection}/{assetId}/buy", signed(handlers.Listings.BuyItem))

	mux.HandleFunc("GET /api/proceeds/{seller}", handlers.Proceeds.GetProceeds)
	mux.Handle("POST /api/proceeds/withdraw", signed(handlers.Proceeds.WithdrawProceeds))

	if handlers.Collections != nil {
		mux.Handle("POST /api/collections/{collection}/mint", signed(handlers.Collections.Mint))
		mux.Handle("POST /api/collections/{collection}/operators", signed(handlers.Collections.SetApprovalForAll))
		mux.Handle("POST /api/collections/{collection}/{assetId}/approve", signed(handlers.Collections.Approve))
		mux.HandleFunc("GET /api/collections/{collection}/{assetId}/owner", handlers.Collections.OwnerOf)
	}
	if handlers.Wallets != nil {
		mux.HandleFunc("GET /api/wallets/{address}", handlers.Wallets.GetBalance)
		mux.Handle("POST /api/wallets/{address}/deposit", signed(handlers.Wallets.Deposit))
	}

	if opts.Hub != nil {
		mux.HandleFunc("GET /ws", opts.Hub.HandleWS)
	}
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	var h http.Handler = mux
	h = middleware.Logging(logger, opts.Observer)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
