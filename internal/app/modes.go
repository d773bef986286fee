package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/collarlabs/collard/internal/keeper"
	"github.com/collarlabs/collard/internal/server"
	"github.com/collarlabs/collard/internal/server/handler"
)

// ServeMode runs the HTTP API (plus the price feed when enabled) without the
// background keeper loops.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	a.startServer(ctx, g, deps)
	a.startFeed(ctx, g, deps)

	return g.Wait()
}

// KeeperMode runs only the settlement and archival loops, for deployments
// that split the API from the keeper.
func (a *App) KeeperMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	a.startKeeper(ctx, g, deps)
	a.startFeed(ctx, g, deps)

	return g.Wait()
}

// FullMode runs everything: HTTP API, keeper loops, and the price feed.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	a.startServer(ctx, g, deps)
	a.startKeeper(ctx, g, deps)
	a.startFeed(ctx, g, deps)

	return g.Wait()
}

func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		return
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		RateLimit:   a.cfg.Server.RateLimit,
		Limiter:     deps.RateLimiter,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, deps.PositionStore),
		Positions: handler.NewPositionHandler(deps.Engine, deps.PositionStore, a.logger),
		Rolls:     handler.NewRollHandler(deps.Engine, deps.RollOfferStore, a.logger),
	}, a.logger)

	g.Go(func() error {
		err := srv.Start()
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (a *App) startKeeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Keeper.Enabled {
		return
	}

	k := keeper.New(keeper.Config{
		Engine:          deps.Engine,
		Positions:       deps.PositionStore,
		Locks:           deps.LockManager,
		Archiver:        deps.Archiver,
		Notifier:        deps.Notifier,
		SettleInterval:  a.cfg.Keeper.SettleInterval.Duration,
		ArchiveInterval: a.cfg.Keeper.ArchiveInterval.Duration,
		ArchiveAge:      a.cfg.Keeper.ArchiveAge.Duration,
		BatchSize:       a.cfg.Keeper.BatchSize,
		Logger:          a.logger,
	})

	g.Go(func() error {
		err := k.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("keeper: %w", err)
	})
}

func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.PriceFeed == nil {
		return
	}

	g.Go(func() error {
		err := deps.PriceFeed.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("price feed: %w", err)
	})

	a.logger.InfoContext(ctx, "price feed enabled",
		slog.String("ws_url", a.cfg.Feed.WsURL),
	)
}
