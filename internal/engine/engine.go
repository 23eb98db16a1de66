// Package engine runs the decision cycle: gather prices and balance, let the
// ledger apply mechanical exits, ask the coordinator for a plan and execute
// it against the exchange and the ledger.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/capitalbot/internal/conviction"
	"github.com/alanyoungcy/capitalbot/internal/coordinator"
	"github.com/alanyoungcy/capitalbot/internal/domain"
	"github.com/alanyoungcy/capitalbot/internal/ledger"
	"github.com/alanyoungcy/capitalbot/internal/metrics"
	"github.com/alanyoungcy/capitalbot/internal/notify"
	"github.com/alanyoungcy/capitalbot/internal/resilience"
)

// DecisionsChannel carries every plan the coordinator produces.
const DecisionsChannel = "decisions"

// cycleLockKey is the cross-process lock held for the length of a cycle.
const cycleLockKey = "cycle"

// Config tunes the cycle.
type Config struct {
	Interval          time.Duration
	CycleBudget       time.Duration
	Workers           int
	LockTTL           time.Duration
	RiskTolerance     float64
	Strategy          string        // recorded on positions the engine opens
	LastKnownGoodTTL  time.Duration // oldest fallback value still used
	DefaultVolatility float64       // percent per day, when the scorer gave none
	PriceGuard        resilience.Config
	BalanceGuard      resilience.Config
}

// DefaultConfig returns the stock cycle settings.
func DefaultConfig() Config {
	return Config{
		Interval:          30 * time.Second,
		CycleBudget:       20 * time.Second,
		Workers:           8,
		LockTTL:           time.Minute,
		RiskTolerance:     0.1,
		Strategy:          "allocator",
		LastKnownGoodTTL:  5 * time.Minute,
		DefaultVolatility: 5,
		PriceGuard:        resilience.DefaultConfig(),
		BalanceGuard:      resilience.DefaultConfig(),
	}
}

// Alerter receives operator notifications.
type Alerter interface {
	Enqueue(a notify.Alert) bool
}

// Deps are the collaborators of an Engine. Locks, Bus and Alerts may be nil.
type Deps struct {
	Source      domain.OpportunitySource
	Prices      domain.MarketDataProvider
	Balance     domain.BalanceProvider
	Gateway     domain.ExchangeGateway
	Ledger      *ledger.Ledger
	Coordinator *coordinator.Coordinator
	Memory      *conviction.Memory
	Metrics     *metrics.Registry
	Locks       domain.LockManager
	Bus         domain.SignalBus
	Alerts      Alerter
}

// Report summarises one completed cycle.
type Report struct {
	StartedAt     time.Time        `json:"started_at"`
	Duration      time.Duration    `json:"duration"`
	Opportunities int              `json:"opportunities"`
	Priced        int              `json:"priced"`
	Available     float64          `json:"available"`
	Total         float64          `json:"total"`
	MonitorClosed int              `json:"monitor_closed"`
	Executed      int              `json:"executed"`
	Failed        int              `json:"failed"`
	Abandoned     int              `json:"abandoned"`
	Plan          coordinator.Plan `json:"plan"`
}

// Engine owns the cycle state. Only one cycle runs at a time per process,
// and the Redis lock extends that across processes.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	priceGuard   *resilience.Guard
	balanceGuard *resilience.Guard

	running atomic.Bool
	now     func() time.Time

	mu          sync.Mutex
	lastPrices  map[string]observed
	lastBalance *observed
	lastReport  *Report
}

type observed struct {
	value float64
	at    time.Time
}

// New creates an Engine.
func New(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = DefaultConfig().CycleBudget
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.CycleBudget + 10*time.Second
	}
	return &Engine{
		deps:         deps,
		cfg:          cfg,
		logger:       logger.With(slog.String("component", "engine")),
		priceGuard:   resilience.NewGuard("prices", cfg.PriceGuard, logger),
		balanceGuard: resilience.NewGuard("balance", cfg.BalanceGuard, logger),
		now:          time.Now,
		lastPrices:   make(map[string]observed),
	}
}

// Run executes a cycle every Interval until ctx is cancelled. A cycle in
// flight at cancellation runs to completion first.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "engine: started", slog.Duration("interval", e.cfg.Interval))
	defer e.logger.Info("engine: stopped")

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.RunCycle(ctx); err != nil && !errors.Is(err, domain.ErrCycleInProgress) {
			e.logger.ErrorContext(ctx, "engine: cycle failed", slog.String("error", err.Error()))
			e.alert(notify.Alert{
				Event:    notify.EventCycleFailed,
				Severity: notify.SeverityWarning,
				Title:    "Decision cycle failed",
				Message:  err.Error(),
			})
		}
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Running reports whether a cycle is executing.
func (e *Engine) Running() bool { return e.running.Load() }

// LastReport returns the most recent completed cycle, if any.
func (e *Engine) LastReport() (Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastReport == nil {
		return Report{}, false
	}
	return *e.lastReport, true
}

// GuardStates returns the breaker state of each upstream guard.
func (e *Engine) GuardStates() map[string]string {
	return map[string]string{
		e.priceGuard.Name():   e.priceGuard.State(),
		e.balanceGuard.Name(): e.balanceGuard.State(),
	}
}

// RunCycle runs one decision cycle. It returns domain.ErrCycleInProgress
// when a cycle is already running here or in another process. The cycle is
// bounded by CycleBudget and does not observe ctx cancellation.
func (e *Engine) RunCycle(ctx context.Context) (Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.deps.Metrics.ObserveCycle(0, "skipped")
		return Report{}, domain.ErrCycleInProgress
	}
	defer e.running.Store(false)

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CycleBudget)
	defer cancel()

	if e.deps.Locks != nil {
		unlock, err := e.deps.Locks.Acquire(cctx, cycleLockKey, e.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				e.deps.Metrics.ObserveCycle(0, "skipped")
				return Report{}, fmt.Errorf("engine: %w", domain.ErrCycleInProgress)
			}
			return Report{}, fmt.Errorf("engine: acquire cycle lock: %w", err)
		}
		defer unlock()
	}

	rep := Report{StartedAt: e.now()}
	err := e.cycle(cctx, &rep)
	rep.Duration = e.now().Sub(rep.StartedAt)

	result := "ok"
	if err != nil {
		result = "error"
	}
	e.deps.Metrics.ObserveCycle(rep.Duration, result)
	if err != nil {
		return rep, err
	}

	e.mu.Lock()
	e.lastReport = &rep
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "engine: cycle complete",
		slog.Duration("duration", rep.Duration),
		slog.Int("opportunities", rep.Opportunities),
		slog.Int("executed", rep.Executed),
		slog.Int("failed", rep.Failed),
		slog.Int("abandoned", rep.Abandoned),
		slog.Int("monitor_closed", rep.MonitorClosed),
	)
	return rep, nil
}

func (e *Engine) cycle(ctx context.Context, rep *Report) error {
	opps, err := e.deps.Source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("engine: fetch opportunities: %w", err)
	}
	rep.Opportunities = len(opps)

	symbols := make([]string, 0, len(opps))
	seen := make(map[string]bool)
	for _, o := range opps {
		if !seen[o.Symbol] {
			seen[o.Symbol] = true
			symbols = append(symbols, o.Symbol)
		}
	}
	for _, p := range e.deps.Ledger.OpenPositions() {
		if !seen[p.Symbol] {
			seen[p.Symbol] = true
			symbols = append(symbols, p.Symbol)
		}
	}

	prices, balance := e.gather(ctx, symbols)
	rep.Priced = len(prices)

	for _, c := range e.deps.Ledger.MonitorPositions(ctx, prices) {
		rep.MonitorClosed++
		e.recordClose(c)
	}

	open := e.deps.Ledger.OpenPositions()
	volatility := make(map[string]float64, len(opps))
	for _, o := range opps {
		if o.Market.Volatility > 0 {
			volatility[o.Symbol] = o.Market.Volatility * 100
		}
	}
	held, invested := e.heldViews(open, prices, volatility)

	rep.Available = balance
	rep.Total = balance + invested
	e.deps.Metrics.AvailableCapital.Set(rep.Available)
	e.deps.Metrics.TotalPortfolio.Set(rep.Total)

	candidates := make([]coordinator.Opportunity, 0, len(opps))
	perf := e.deps.Memory.Performance()
	for _, sig := range opps {
		price, ok := prices[sig.Symbol]
		if !ok {
			e.logger.DebugContext(ctx, "engine: skipping unpriced opportunity", slog.String("symbol", sig.Symbol))
			continue
		}
		candidates = append(candidates, coordinator.Opportunity{
			Signal:  sig,
			Factors: conviction.FromSignal(sig, perf, e.deps.Memory.Learning(sig.Symbol)),
			Price:   price,
		})
	}

	if rep.Total <= 0 {
		e.logger.WarnContext(ctx, "engine: no capital to allocate")
		e.deps.Metrics.OpenPositions.Set(float64(len(open)))
		return nil
	}

	plan, err := e.deps.Coordinator.CoordinateTrading(ctx, coordinator.TradingContext{
		CurrentPositions: held,
		NewOpportunities: candidates,
		AvailableCapital: balance,
		TotalPortfolio:   rep.Total,
		RiskTolerance:    e.cfg.RiskTolerance,
	})
	if err != nil {
		return fmt.Errorf("engine: coordinate: %w", err)
	}
	rep.Plan = plan
	e.deps.Metrics.EfficiencyRatio.Set(plan.EfficiencyRatio)
	e.deps.Metrics.SetRegime(string(plan.Regime))
	e.publishPlan(ctx, plan)

	e.execute(ctx, plan, prices, rep)
	e.deps.Metrics.OpenPositions.Set(float64(len(e.deps.Ledger.OpenPositions())))
	return nil
}

func (e *Engine) publishPlan(ctx context.Context, plan coordinator.Plan) {
	if e.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(plan)
	if err != nil {
		return
	}
	if err := e.deps.Bus.Publish(ctx, DecisionsChannel, payload); err != nil {
		e.logger.WarnContext(ctx, "engine: publish plan failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) recordClose(p domain.Position) {
	if p.RealizedPnL == nil {
		return
	}
	e.deps.Memory.Record(p.Symbol, *p.RealizedPnL)
	e.deps.Metrics.RealizedPnL.Add(*p.RealizedPnL)
	e.alert(notify.Alert{
		Event: notify.EventPositionClosed,
		Title: "Position closed",
		Message: fmt.Sprintf("%s %s %s pnl=%.2f reason=%s",
			p.ID, p.Symbol, p.Side, *p.RealizedPnL, p.CloseReason),
	})
}

func (e *Engine) alert(a notify.Alert) {
	if e.deps.Alerts != nil {
		e.deps.Alerts.Enqueue(a)
	}
}
