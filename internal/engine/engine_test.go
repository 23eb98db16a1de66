package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/capitalbot/internal/conviction"
	"github.com/alanyoungcy/capitalbot/internal/coordinator"
	"github.com/alanyoungcy/capitalbot/internal/domain"
	"github.com/alanyoungcy/capitalbot/internal/ledger"
	"github.com/alanyoungcy/capitalbot/internal/metrics"
	"github.com/alanyoungcy/capitalbot/internal/optimizer"
	"github.com/alanyoungcy/capitalbot/internal/platform/paper"
	"github.com/alanyoungcy/capitalbot/internal/resilience"
	"github.com/alanyoungcy/capitalbot/internal/sizing"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memStore struct{}

func (memStore) SaveOpen(context.Context, domain.Position, domain.Trade) error  { return nil }
func (memStore) SaveClose(context.Context, domain.Position, domain.Trade) error { return nil }
func (memStore) LoadOpen(context.Context) ([]domain.Position, error)            { return nil, nil }
func (memStore) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}
func (memStore) ListClosed(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}
func (memStore) ListTrades(context.Context, string) ([]domain.Trade, error) { return nil, nil }

type staticSource struct {
	signals []domain.OpportunitySignal
	err     error
}

func (s *staticSource) Fetch(context.Context) ([]domain.OpportunitySignal, error) {
	return s.signals, s.err
}

type priceBoard struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (b *priceBoard) GetPrice(_ context.Context, symbol string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.prices[symbol]
	return p, ok
}

func (b *priceBoard) set(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if price == 0 {
		delete(b.prices, symbol)
		return
	}
	b.prices[symbol] = price
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type fixture struct {
	engine  *Engine
	ledger  *ledger.Ledger
	memory  *conviction.Memory
	gateway *paper.Gateway
	board   *priceBoard
	source  *staticSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := discard()

	board := &priceBoard{prices: map[string]float64{}}
	gw := paper.NewGateway(board, paper.Config{StartingBalance: 1000}, logger)
	led := ledger.New(memStore{}, nil, nil, nil, logger)

	opt := optimizer.New(optimizer.DefaultConfig(), logger)
	chain := sizing.NewChain(logger,
		sizing.NewKellySizer(opt),
		sizing.NewBalanceSizer(sizing.DefaultBalanceConfig()),
	)
	memory := conviction.NewMemory()
	coord := coordinator.New(conviction.NewCalculator(), memory, opt, chain, coordinator.DefaultConfig(), logger)

	source := &staticSource{}
	cfg := DefaultConfig()
	cfg.RiskTolerance = 0.3
	cfg.PriceGuard.MaxRetries = 0
	cfg.BalanceGuard.MaxRetries = 0

	e := New(Deps{
		Source:      source,
		Prices:      board,
		Balance:     gw,
		Gateway:     gw,
		Ledger:      led,
		Coordinator: coord,
		Memory:      memory,
		Metrics:     metrics.New(),
	}, cfg, logger)

	return &fixture{engine: e, ledger: led, memory: memory, gateway: gw, board: board, source: source}
}

func strongSignal(symbol string, er float64) domain.OpportunitySignal {
	return domain.OpportunitySignal{
		Symbol:             symbol,
		ExpectedReturn:     er,
		WinProbability:     80,
		Confidence:         0.85,
		SignalStrength:     1,
		RequiredCapital:    100,
		RiskReward:         3,
		LearningConfidence: 0.8,
		HistoricalAccuracy: 0.8,
		Market:             domain.MarketState{Volatility: 0.2, Trend: 0.1},
	}
}

func TestRunCycle_OpensFundedEntry(t *testing.T) {
	f := newFixture(t)
	f.board.set("SOLUSD", 100)
	f.source.signals = []domain.OpportunitySignal{strongSignal("SOLUSD", 120)}

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Executed)
	assert.Zero(t, rep.Failed)

	open := f.ledger.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "SOLUSD", open[0].Symbol)
	assert.Equal(t, "allocator", open[0].Strategy)
	require.NotNil(t, open[0].Metadata.ExpectedReturn)
	assert.Equal(t, 120.0, *open[0].Metadata.ExpectedReturn)

	bal, _ := f.gateway.Balance(context.Background())
	assert.InDelta(t, 1000-open[0].CostBasis(), bal, 1e-6)

	last, ok := f.engine.LastReport()
	require.True(t, ok)
	assert.Equal(t, rep.Executed, last.Executed)
}

func TestRunCycle_SkipsUnpricedOpportunity(t *testing.T) {
	f := newFixture(t)
	f.source.signals = []domain.OpportunitySignal{strongSignal("NOPRICE", 120)}

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Executed)
	assert.Empty(t, f.ledger.OpenPositions())
}

func TestRunCycle_RejectsReentry(t *testing.T) {
	f := newFixture(t)
	f.engine.running.Store(true)

	_, err := f.engine.RunCycle(context.Background())
	assert.ErrorIs(t, err, domain.ErrCycleInProgress)
}

func TestRunCycle_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	f.engine.deps.Locks = heldLock{}

	_, err := f.engine.RunCycle(context.Background())
	assert.ErrorIs(t, err, domain.ErrCycleInProgress)
	assert.False(t, f.engine.Running())
}

type blockingSource struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSource) Fetch(context.Context) ([]domain.OpportunitySignal, error) {
	if s.calls.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	return nil, nil
}

func TestRun_FinishesInFlightCycleOnCancel(t *testing.T) {
	f := newFixture(t)
	src := &blockingSource{entered: make(chan struct{}), release: make(chan struct{})}
	f.engine.deps.Source = src
	f.engine.cfg.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	<-src.entered
	cancel()
	time.Sleep(5 * time.Millisecond)
	close(src.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	assert.Equal(t, int32(1), src.calls.Load())
	_, ok := f.engine.LastReport()
	assert.True(t, ok)
	assert.False(t, f.engine.Running())
}

func TestRunCycle_FetchFailure(t *testing.T) {
	f := newFixture(t)
	f.source.err = errors.New("stream unavailable")

	_, err := f.engine.RunCycle(context.Background())
	require.Error(t, err)
	_, ok := f.engine.LastReport()
	assert.False(t, ok)
}

func TestRunCycle_MonitorStopLossFeedsMemory(t *testing.T) {
	f := newFixture(t)
	f.ledger.RegisterExitPolicy("manual", "*", ledger.ExitPolicy{StopLossPct: 0.05})
	pos, err := f.ledger.Open(context.Background(), ledger.OpenRequest{
		Strategy: "manual",
		Symbol:   "ETHUSD",
		Side:     domain.PositionSideLong,
		Price:    100,
		Quantity: 1,
	})
	require.NoError(t, err)

	f.board.set("ETHUSD", 90)
	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.MonitorClosed)

	closed, err := f.ledger.Get(pos.ID)
	require.NoError(t, err)
	assert.False(t, closed.IsOpen())
	assert.Equal(t, ledger.ReasonStopLoss, closed.CloseReason)
	assert.Equal(t, 1, f.memory.Performance().LossStreak)
}

func TestGather_FallsBackToLastKnownGood(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.board.set("BTCUSD", 50000)
	prices, bal := f.engine.gather(ctx, []string{"BTCUSD"})
	assert.Equal(t, 50000.0, prices["BTCUSD"])
	assert.Equal(t, 1000.0, bal)

	f.board.set("BTCUSD", 0)
	prices, _ = f.engine.gather(ctx, []string{"BTCUSD", "NEVER"})
	assert.Equal(t, 50000.0, prices["BTCUSD"])
	assert.NotContains(t, prices, "NEVER")

	base := time.Now()
	f.engine.now = func() time.Time { return base.Add(time.Hour) }
	prices, _ = f.engine.gather(ctx, []string{"BTCUSD"})
	assert.NotContains(t, prices, "BTCUSD")
}

func TestExecute_AbandonsWhenBudgetSpent(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan := coordinator.Plan{Decisions: []coordinator.Decision{
		{Action: coordinator.ActionBuy, Symbol: "A", Size: 50},
		{Action: coordinator.ActionHold, Symbol: "B"},
		{Action: coordinator.ActionBuy, Symbol: "C", Size: 50},
	}}
	var rep Report
	f.engine.execute(ctx, plan, map[string]float64{"A": 1, "C": 1}, &rep)

	assert.Equal(t, 2, rep.Abandoned)
	assert.Zero(t, rep.Executed)
	assert.Empty(t, f.ledger.OpenPositions())
}

func TestExecute_RotationEntryNeedsExit(t *testing.T) {
	f := newFixture(t)
	f.board.set("NEWUSD", 10)

	plan := coordinator.Plan{Decisions: []coordinator.Decision{
		{Action: coordinator.ActionSell, Symbol: "OLDUSD", PositionID: "missing"},
		{Action: coordinator.ActionBuy, Symbol: "NEWUSD", Size: 100, RotatedFrom: "missing"},
	}}
	var rep Report
	f.engine.execute(context.Background(), plan, map[string]float64{"NEWUSD": 10}, &rep)

	assert.Equal(t, 2, rep.Failed)
	assert.Empty(t, f.ledger.OpenPositions())
	bal, _ := f.gateway.Balance(context.Background())
	assert.Equal(t, 1000.0, bal)
}

func TestExecute_RotationClosesThenOpens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.board.set("OLDUSD", 20)
	f.board.set("NEWUSD", 10)

	_, err := f.gateway.PlaceOrder(ctx, "OLDUSD", domain.TradeSideBuy, 5)
	require.NoError(t, err)
	old, err := f.ledger.Open(ctx, ledger.OpenRequest{Symbol: "OLDUSD", Price: 20, Quantity: 5})
	require.NoError(t, err)

	plan := coordinator.Plan{Decisions: []coordinator.Decision{
		{Action: coordinator.ActionSell, Symbol: "OLDUSD", PositionID: old.ID, FreedCapital: 100},
		{Action: coordinator.ActionBuy, Symbol: "NEWUSD", Size: 100, RotatedFrom: old.ID},
	}}
	var rep Report
	f.engine.execute(ctx, plan, map[string]float64{"OLDUSD": 20, "NEWUSD": 10}, &rep)

	require.Equal(t, 2, rep.Executed)
	closed, err := f.ledger.Get(old.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ReasonRotation, closed.CloseReason)

	open := f.ledger.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "NEWUSD", open[0].Symbol)
	assert.InDelta(t, 10.0, open[0].Quantity, 1e-9)
}

type countingGateway struct {
	calls int
	err   error
}

func (c *countingGateway) PlaceOrder(context.Context, string, domain.TradeSide, float64) (domain.OrderResult, error) {
	c.calls++
	if c.err != nil {
		return domain.OrderResult{}, c.err
	}
	return domain.OrderResult{OrderID: "o1", FilledPrice: 1, FilledQty: 1}, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

func TestGuardedGateway(t *testing.T) {
	cfg := resilience.DefaultConfig()
	cfg.MaxRetries = 3
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond

	t.Run("rate limited", func(t *testing.T) {
		next := &countingGateway{}
		g := NewGuardedGateway(next, resilience.NewGuard("orders", cfg, discard()), denyAll{}, OrderLimit{Limit: 1, Window: time.Second}, discard())
		_, err := g.PlaceOrder(context.Background(), "X", domain.TradeSideBuy, 1)
		assert.ErrorIs(t, err, domain.ErrRateLimited)
		assert.Zero(t, next.calls)
	})

	t.Run("permanent rejection not retried", func(t *testing.T) {
		next := &countingGateway{err: domain.ErrInvalidPosition}
		g := NewGuardedGateway(next, resilience.NewGuard("orders", cfg, discard()), nil, OrderLimit{}, discard())
		_, err := g.PlaceOrder(context.Background(), "X", domain.TradeSideBuy, 1)
		assert.ErrorIs(t, err, domain.ErrInvalidPosition)
		assert.Equal(t, 1, next.calls)
	})

	t.Run("rejected buys leave exits open", func(t *testing.T) {
		bc := cfg
		bc.BreakerFailures = 5
		next := &countingGateway{err: fmt.Errorf("paper: place order: %w", domain.ErrInsufficientFunds)}
		g := NewGuardedGateway(next, resilience.NewGuard("orders", bc, discard()), nil, OrderLimit{}, discard())
		for i := 0; i < 5; i++ {
			_, err := g.PlaceOrder(context.Background(), "X", domain.TradeSideBuy, 1)
			require.ErrorIs(t, err, domain.ErrInsufficientFunds)
		}
		assert.Equal(t, 5, next.calls)

		next.err = nil
		res, err := g.PlaceOrder(context.Background(), "X", domain.TradeSideSell, 1)
		require.NoError(t, err)
		assert.Equal(t, "o1", res.OrderID)
		assert.Equal(t, "closed", g.guard.State())
	})

	t.Run("transient failure retried", func(t *testing.T) {
		next := &countingGateway{err: errors.New("502 bad gateway")}
		g := NewGuardedGateway(next, resilience.NewGuard("orders", cfg, discard()), nil, OrderLimit{}, discard())
		_, err := g.PlaceOrder(context.Background(), "X", domain.TradeSideBuy, 1)
		assert.Error(t, err)
		assert.Equal(t, 4, next.calls)
	})
}
