package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/capitalbot/internal/engine"
	"github.com/alanyoungcy/capitalbot/internal/feed"
	"github.com/alanyoungcy/capitalbot/internal/ledger"
	"github.com/alanyoungcy/capitalbot/internal/server"
	"github.com/alanyoungcy/capitalbot/internal/server/handler"
	"github.com/alanyoungcy/capitalbot/internal/server/ws"
)

// FullMode runs the decision engine, the price feeder, the archiver and the
// HTTP API with its WebSocket stream.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "app: starting full mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)
	a.startTrading(ctx, g, deps, core)
	a.startHTTPServer(ctx, g, deps, core)
	return g.Wait()
}

// EngineMode runs trading without the HTTP API.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "app: starting engine mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)
	a.startTrading(ctx, g, deps, core)
	return g.Wait()
}

// ServerMode serves the API and stream. Cycles run only when requested
// through POST /api/cycle.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, core *Core) error {
	a.logger.InfoContext(ctx, "app: starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	a.startBackground(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, core)
	return g.Wait()
}

func (a *App) startBackground(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return ignoreCanceled(deps.Notifier.Run(ctx))
	})
	if deps.Archiver != nil {
		g.Go(func() error {
			a.runArchiver(ctx, deps)
			return nil
		})
	}
}

func (a *App) startTrading(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	feeder := feed.NewPriceFeeder(deps.Bus, deps.PriceCache, a.logger)
	g.Go(func() error {
		return ignoreCanceled(feeder.Run(ctx))
	})
	g.Go(func() error {
		return ignoreCanceled(core.Engine.Run(ctx))
	})
}

func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, core *Core) {
	started := time.Now().UTC()
	hub := ws.NewHub(deps.Bus, []string{ledger.EventsChannel, engine.DecisionsChannel}, func() any {
		return map[string]any{
			"mode":           a.cfg.Mode,
			"strategy":       a.cfg.Engine.Strategy,
			"uptime_seconds": int64(time.Since(started).Seconds()),
			"open_positions": len(core.Ledger.OpenPositions()),
			"cycle_running":  core.Engine.Running(),
		}
	}, a.logger)
	g.Go(func() error {
		return ignoreCanceled(hub.Run(ctx))
	})

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Pingers, core.Ledger, a.logger),
		Positions: handler.NewPositionHandler(core.Ledger, deps.Store, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.cfg.Engine.Strategy, core.Engine, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}, hub, deps.Limiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// runArchiver copies the last complete window of closed positions to S3 on
// every tick. Windows already uploaded are skipped by the archiver.
func (a *App) runArchiver(ctx context.Context, deps *Dependencies) {
	window := a.cfg.Archive.Window.Duration
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()

	for {
		until := time.Now().UTC().Truncate(window)
		n, err := deps.Archiver.ArchiveClosedPositions(ctx, until.Add(-window), until)
		if err != nil {
			a.logger.ErrorContext(ctx, "app: archive failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.InfoContext(ctx, "app: archived closed positions",
				slog.Int64("positions", n),
				slog.Time("until", until),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
