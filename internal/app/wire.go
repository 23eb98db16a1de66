package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	s3blob "github.com/alanyoungcy/capitalbot/internal/blob/s3"
	"github.com/alanyoungcy/capitalbot/internal/cache/redis"
	"github.com/alanyoungcy/capitalbot/internal/config"
	"github.com/alanyoungcy/capitalbot/internal/conviction"
	"github.com/alanyoungcy/capitalbot/internal/coordinator"
	"github.com/alanyoungcy/capitalbot/internal/domain"
	"github.com/alanyoungcy/capitalbot/internal/engine"
	"github.com/alanyoungcy/capitalbot/internal/feed"
	"github.com/alanyoungcy/capitalbot/internal/ledger"
	"github.com/alanyoungcy/capitalbot/internal/marketdata"
	"github.com/alanyoungcy/capitalbot/internal/metrics"
	"github.com/alanyoungcy/capitalbot/internal/notify"
	"github.com/alanyoungcy/capitalbot/internal/optimizer"
	"github.com/alanyoungcy/capitalbot/internal/platform/paper"
	"github.com/alanyoungcy/capitalbot/internal/resilience"
	"github.com/alanyoungcy/capitalbot/internal/server/handler"
	"github.com/alanyoungcy/capitalbot/internal/sizing"
	"github.com/alanyoungcy/capitalbot/internal/store/postgres"
)

// memoryWarmup is how many recent closed positions seed the performance
// memory on startup.
const memoryWarmup = 200

// Dependencies bundles the infrastructure adapters. Wire builds them and the
// returned cleanup releases them.
type Dependencies struct {
	Store      domain.LedgerStore
	Audit      domain.AuditStore
	PriceCache domain.PriceCache
	Limiter    domain.RateLimiter
	Locks      domain.LockManager
	Bus        domain.SignalBus
	Archiver   domain.Archiver // nil unless archiving is enabled
	Notifier   *notify.Notifier
	Metrics    *metrics.Registry
	Pingers    map[string]handler.Pinger

	// ExitPredictor is consulted before stop/take levels on every monitor
	// pass. Nil runs mechanical exits only.
	ExitPredictor ledger.ExitStrategy
}

// Wire connects to Postgres, Redis and, when archiving is enabled, S3.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Pingers: make(map[string]handler.Pinger),
	}

	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pg.Close)
	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}
	deps.Store = postgres.NewLedgerStore(pg.Pool())
	deps.Audit = postgres.NewAuditStore(pg.Pool())
	deps.Pingers["postgres"] = pg

	rc, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = rc.Close() })
	deps.PriceCache = redis.NewPriceCache(rc)
	deps.Limiter = redis.NewRateLimiter(rc)
	deps.Locks = redis.NewLockManager(rc)
	deps.Bus = redis.NewSignalBus(rc)
	deps.Pingers["redis"] = rc

	if cfg.Archive.Enabled {
		s3c, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(deps.Store, s3blob.NewStore(s3c), deps.Audit, logger)
		deps.Pingers["s3"] = pingFunc(s3c.Health)
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, cfg.Notify.QueueSize, logger)

	return deps, cleanup, nil
}

// Core is the trading stack built on top of Dependencies.
type Core struct {
	Ledger      *ledger.Ledger
	Engine      *engine.Engine
	Gateway     *paper.Gateway
	Memory      *conviction.Memory
	Coordinator *coordinator.Coordinator
}

// BuildCore assembles the ledger, coordinator and engine, then restores open
// positions and warms the performance memory from recent history.
func BuildCore(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Core, error) {
	prices := marketdata.NewCachedProvider(deps.PriceCache, marketdata.Config{
		TTL:        cfg.Engine.PriceTTL.Duration,
		RatePerSec: cfg.Engine.PriceRatePerSec,
		Burst:      cfg.Engine.PriceBurst,
	}, logger)

	venue := paper.NewGateway(prices, paper.Config{
		StartingBalance: cfg.Paper.StartingBalance,
		SlippageBps:     cfg.Paper.SlippageBps,
		FeeBps:          cfg.Paper.FeeBps,
	}, logger)
	orders := engine.NewGuardedGateway(
		venue,
		resilience.NewGuard("orders", guardConfig(cfg.Resilience.Orders), logger),
		deps.Limiter,
		engine.OrderLimit{Limit: cfg.Resilience.OrderRateLimit, Window: cfg.Resilience.OrderRateWindow.Duration},
		logger,
	)

	health := healthReporters{deps.Metrics}
	if deps.Notifier.Enabled() {
		health = append(health, notify.NewHealthAlerter(deps.Notifier, cfg.Notify.DegradedCooldown.Duration, logger))
	}
	led := ledger.New(deps.Store, deps.Bus, deps.Audit, health, logger)
	led.SetExitGateway(orders)
	installExitPredictor(led, deps.ExitPredictor, logger)
	registerExitPolicies(led, cfg)

	restored, err := led.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("wire: restore ledger: %w", err)
	}
	logger.InfoContext(ctx, "app: ledger restored", slog.Int("open_positions", restored))

	memory := conviction.NewMemory()
	warmMemory(ctx, deps.Store, memory, logger)

	opt := optimizer.New(optimizer.Config{
		OpportunityThreshold: cfg.Allocation.OpportunityThreshold,
		RotationTrigger:      cfg.Allocation.RotationTrigger,
		RotationThreshold:    cfg.Allocation.RotationThreshold,
		MinRotationGain:      cfg.Allocation.MinRotationGain,
	}, logger)
	chain := sizing.NewChain(logger,
		sizing.NewKellySizer(opt),
		sizing.NewBalanceSizer(sizing.BalanceConfig{
			BaseFraction: cfg.Sizing.BaseFraction,
			MinFraction:  cfg.Sizing.MinFraction,
			MaxFraction:  cfg.Sizing.MaxFraction,
		}),
	)
	coord := coordinator.New(conviction.NewCalculator(), memory, opt, chain, coordinator.Config{
		MaxPositions:    cfg.Allocation.MaxPositions,
		MinPositionSize: cfg.Allocation.MinPositionSize,
		BearReturnFloor: cfg.Allocation.BearReturnFloor,
		VolatileScale:   cfg.Allocation.VolatileScale,
		BullScale:       cfg.Allocation.BullScale,
	}, logger)

	source := feed.NewOpportunityStream(deps.Bus, feed.StreamConfig{
		BatchSize:  cfg.Engine.StreamBatchSize,
		MaxBatches: cfg.Engine.StreamMaxBatches,
		MaxAge:     cfg.Engine.SignalMaxAge.Duration,
	}, logger)

	eng := engine.New(engine.Deps{
		Source:      source,
		Prices:      prices,
		Balance:     venue,
		Gateway:     orders,
		Ledger:      led,
		Coordinator: coord,
		Memory:      memory,
		Metrics:     deps.Metrics,
		Locks:       deps.Locks,
		Bus:         deps.Bus,
		Alerts:      deps.Notifier,
	}, engine.Config{
		Interval:          cfg.Engine.Interval.Duration,
		CycleBudget:       cfg.Engine.CycleBudget.Duration,
		Workers:           cfg.Engine.Workers,
		LockTTL:           cfg.Engine.LockTTL.Duration,
		RiskTolerance:     cfg.Allocation.RiskTolerance,
		Strategy:          cfg.Engine.Strategy,
		LastKnownGoodTTL:  cfg.Engine.LastKnownGoodTTL.Duration,
		DefaultVolatility: cfg.Engine.DefaultVolatility,
		PriceGuard:        guardConfig(cfg.Resilience.Prices),
		BalanceGuard:      guardConfig(cfg.Resilience.Balance),
	}, logger)

	return &Core{
		Ledger:      led,
		Engine:      eng,
		Gateway:     venue,
		Memory:      memory,
		Coordinator: coord,
	}, nil
}

func guardConfig(g config.GuardConfig) resilience.Config {
	return resilience.Config{
		CallTimeout:     g.CallTimeout.Duration,
		MaxRetries:      uint64(max(g.MaxRetries, 0)),
		InitialBackoff:  g.InitialBackoff.Duration,
		MaxBackoff:      g.MaxBackoff.Duration,
		BreakerFailures: uint32(max(g.BreakerFailures, 1)),
		BreakerTimeout:  g.BreakerTimeout.Duration,
	}
}

// registerExitPolicies installs the strategy-wide default first so that
// configured overrides replace it.
func registerExitPolicies(led *ledger.Ledger, cfg *config.Config) {
	led.RegisterExitPolicy(cfg.Engine.Strategy, "*", ledger.ExitPolicy{
		StopLossPct:   cfg.Exits.StopLossPct,
		TakeProfitPct: cfg.Exits.TakeProfitPct,
	})
	for _, p := range cfg.Exits.Policies {
		symbol := p.Symbol
		if symbol == "" {
			symbol = "*"
		}
		led.RegisterExitPolicy(p.Strategy, symbol, ledger.ExitPolicy{
			StopLossPct:   p.StopLossPct,
			TakeProfitPct: p.TakeProfitPct,
		})
	}
}

// warmMemory replays recent realised PnL oldest first. A store failure only
// leaves the memory cold.
func warmMemory(ctx context.Context, store domain.LedgerStore, memory *conviction.Memory, logger *slog.Logger) {
	closed, err := store.ListClosed(ctx, domain.ListOpts{Limit: memoryWarmup})
	if err != nil {
		logger.WarnContext(ctx, "app: performance memory not warmed", slog.String("error", err.Error()))
		return
	}
	sort.SliceStable(closed, func(i, j int) bool {
		return closed[i].ExitTime != nil && closed[j].ExitTime != nil && closed[i].ExitTime.Before(*closed[j].ExitTime)
	})
	for _, p := range closed {
		if p.RealizedPnL != nil {
			memory.Record(p.Symbol, *p.RealizedPnL)
		}
	}
}

// healthReporters fans a degraded-write signal out to every reporter.
type healthReporters []ledger.HealthReporter

func (h healthReporters) ReportDegraded(ctx context.Context, op, positionID string, err error) {
	for _, r := range h {
		r.ReportDegraded(ctx, op, positionID, err)
	}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func installExitPredictor(led *ledger.Ledger, predictor ledger.ExitStrategy, logger *slog.Logger) {
	if predictor == nil {
		return
	}
	led.SetExitSupervisor(ledger.NewExitSupervisor(predictor, logger))
	logger.Info("app: predictive exits enabled", slog.String("strategy", predictor.Name()))
}
