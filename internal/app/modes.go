package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/nftmarketplace/internal/crypto"
	"github.com/alanyoungcy/nftmarketplace/internal/pipeline"
	"github.com/alanyoungcy/nftmarketplace/internal/server"
	"github.com/alanyoungcy/nftmarketplace/internal/server/handler"
	"github.com/alanyoungcy/nftmarketplace/internal/server/ws"
	"github.com/alanyoungcy/nftmarketplace/internal/service"
)

// ServerMode serves the marketplace over HTTP and websocket.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	market := NewMarketplace(deps, a.logger)
	a.logDeployment(ctx, deps)
	a.startHTTPServer(ctx, g, deps, market)
	return g.Wait()
}

// ArchiveMode periodically exports old market events to S3.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startArchiver(ctx, g, deps); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return g.Wait()
}

// FullMode runs the server and, when S3 and Postgres are wired, the
// archiver in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	market := NewMarketplace(deps, a.logger)
	a.logDeployment(ctx, deps)
	a.startHTTPServer(ctx, g, deps, market)

	if deps.Archiver != nil {
		if err := a.startArchiver(ctx, g, deps); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	} else {
		a.logger.InfoContext(ctx, "archiver disabled (needs s3 and the postgres backend)")
	}
	return g.Wait()
}

// logDeployment records the addresses clients need, the way a deploy script
// prints them.
func (a *App) logDeployment(ctx context.Context, deps *Dependencies) {
	a.logger.InfoContext(ctx, "marketplace deployed",
		slog.String("address", deps.Address.Hex()),
		slog.String("oracle", a.cfg.Marketplace.Oracle),
		slog.String("backend", a.cfg.Marketplace.Backend),
		slog.Int64("chain_id", a.cfg.Ethereum.ChainID),
	)
	if deps.DevCollection != nil {
		a.logger.InfoContext(ctx, "collection deployed",
			slog.String("address", deps.DevCollection.Address.Hex()),
			slog.String("name", deps.DevCollection.Name),
			slog.String("symbol", deps.DevCollection.Symbol),
		)
	}
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("archiver requires s3 and the postgres backend")
	}
	archiver := pipeline.NewArchiver(deps.Archiver, a.cfg.Archive.RetentionDays, a.logger)
	if deps.Metrics != nil {
		archiver.WithRecorder(deps.Metrics)
	}
	g.Go(func() error {
		err := archiver.RunLoop(ctx, a.cfg.Archive.Interval.Duration)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("archiver: %w", err)
	})
	return nil
}

// startHTTPServer adds the API server and the websocket hub to g. The
// server is shut down gracefully when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, market *service.MarketplaceService) {
	checkout := service.NewCheckoutService(market, deps.Intake, a.logger)

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.Address.Hex(), deps.Health, a.logger),
		Listings: handler.NewListingHandler(market, checkout, a.logger),
		Proceeds: handler.NewProceedsHandler(market, a.logger),
	}
	if deps.Wallets != nil {
		handlers.Wallets = handler.NewWalletHandler(deps.Wallets, a.logger)
	}
	if deps.Collections != nil {
		handlers.Collections = handler.NewCollectionHandler(deps.Collections, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, deps.Metrics, a.logger)
	g.Go(func() error {
		err := hub.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	opts := server.Options{
		Verifier: crypto.NewVerifier(
			crypto.MarketplaceDomain(a.cfg.Ethereum.ChainID, deps.Address),
			a.cfg.Server.SignatureMaxSkew.Duration,
		),
		Limiter:  deps.RateLimiter,
		Hub:      hub,
		Observer: deps.Metrics,
	}
	if a.cfg.Server.Metrics && deps.Metrics != nil {
		opts.Metrics = deps.Metrics.Handler()
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, handlers, opts, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
