package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/capitalbot/internal/config"
	"github.com/alanyoungcy/capitalbot/internal/conviction"
	"github.com/alanyoungcy/capitalbot/internal/domain"
	"github.com/alanyoungcy/capitalbot/internal/ledger"
)

type closedStore struct {
	domain.LedgerStore
	closed []domain.Position
	err    error
}

func (s closedStore) ListClosed(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return s.closed, s.err
}

func closedAt(symbol string, pnl float64, at time.Time) domain.Position {
	return domain.Position{
		Symbol:      symbol,
		Status:      domain.PositionStatusClosed,
		ExitTime:    &at,
		RealizedPnL: domain.Float(pnl),
	}
}

func TestWarmMemory_ReplaysOldestFirst(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// newest first, as the store returns them
	store := closedStore{closed: []domain.Position{
		closedAt("BTCUSD", -5, t0.Add(3*time.Hour)),
		closedAt("BTCUSD", -5, t0.Add(2*time.Hour)),
		closedAt("BTCUSD", 10, t0.Add(time.Hour)),
	}}
	mem := conviction.NewMemory()
	warmMemory(context.Background(), store, mem, logger)

	perf := mem.Performance()
	assert.Equal(t, 2, perf.LossStreak)
	assert.Equal(t, 0, perf.WinStreak)
}

func TestWarmMemory_StoreFailureLeavesMemoryCold(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := conviction.NewMemory()
	warmMemory(context.Background(), closedStore{err: errors.New("pg down")}, mem, logger)
	assert.Equal(t, conviction.NewMemory().Performance(), mem.Performance())
}

func TestGuardConfig(t *testing.T) {
	cfg := config.Defaults()
	orders := guardConfig(cfg.Resilience.Orders)
	assert.Zero(t, orders.MaxRetries)
	assert.Equal(t, 5*time.Second, orders.CallTimeout)
	assert.EqualValues(t, 5, orders.BreakerFailures)
}

type countingReporter struct{ n int }

func (c *countingReporter) ReportDegraded(context.Context, string, string, error) { c.n++ }

func TestHealthReportersFanOut(t *testing.T) {
	a, b := &countingReporter{}, &countingReporter{}
	healthReporters{a, b}.ReportDegraded(context.Background(), "open", "p1", errors.New("x"))
	require.Equal(t, 1, a.n)
	require.Equal(t, 1, b.n)
}

type acceptingStore struct{ domain.LedgerStore }

func (acceptingStore) SaveOpen(context.Context, domain.Position, domain.Trade) error  { return nil }
func (acceptingStore) SaveClose(context.Context, domain.Position, domain.Trade) error { return nil }

type exitNow struct{}

func (exitNow) Name() string { return "model" }

func (exitNow) Evaluate(context.Context, domain.Position, float64) (ledger.ExitDecision, error) {
	return ledger.ExitDecision{ShouldExit: true, Reason: "predicted_reversal", Confidence: 0.4, Source: "model"}, nil
}

func TestInstallExitPredictor(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	open := func(led *ledger.Ledger) {
		_, err := led.Open(context.Background(), ledger.OpenRequest{
			Strategy: "allocator", Symbol: "SOLUSD", Side: domain.PositionSideLong, Price: 100, Quantity: 1,
		})
		require.NoError(t, err)
	}

	mechanical := ledger.New(acceptingStore{}, nil, nil, nil, logger)
	installExitPredictor(mechanical, nil, logger)
	open(mechanical)
	assert.Empty(t, mechanical.MonitorPositions(context.Background(), map[string]float64{"SOLUSD": 101}))

	predictive := ledger.New(acceptingStore{}, nil, nil, nil, logger)
	installExitPredictor(predictive, exitNow{}, logger)
	open(predictive)
	closed := predictive.MonitorPositions(context.Background(), map[string]float64{"SOLUSD": 101})
	require.Len(t, closed, 1)
	assert.Equal(t, "predicted_reversal", closed[0].CloseReason)
}
