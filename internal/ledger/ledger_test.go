package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

func newTestLedger() (*Ledger, *fakeStore, *fakeHealth, *fakeBus) {
	store := newFakeStore()
	health := &fakeHealth{}
	bus := &fakeBus{}
	return New(store, bus, &fakeAudit{}, health, discard()), store, health, bus
}

func openBTC(t *testing.T, l *Ledger, side domain.PositionSide) domain.Position {
	t.Helper()
	pos, err := l.Open(context.Background(), OpenRequest{
		Strategy: "momentum",
		Symbol:   "BTCUSD",
		Side:     side,
		Price:    50_000,
		Quantity: 0.01,
	})
	require.NoError(t, err)
	return pos
}

func TestOpenClose_LongPnLExact(t *testing.T) {
	l, store, _, bus := newTestLedger()
	pos := openBTC(t, l, domain.PositionSideLong)

	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.NotEmpty(t, pos.ID)
	assert.NotEmpty(t, pos.EntryTradeID)

	closed, err := l.Close(context.Background(), pos.ID, 51_000, ReasonManual)
	require.NoError(t, err)
	require.NotNil(t, closed.RealizedPnL)
	assert.Equal(t, 10.0, *closed.RealizedPnL)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	assert.Equal(t, 0.01, closed.Quantity)
	assert.Equal(t, 50_000.0, closed.EntryPrice)

	trades := l.Trades(pos.ID)
	require.Len(t, trades, 2)
	assert.True(t, trades[0].IsEntry)
	assert.Equal(t, domain.TradeSideBuy, trades[0].Side)
	assert.Equal(t, 500.0, trades[0].Value)
	assert.Equal(t, domain.TradeSideSell, trades[1].Side)
	require.NotNil(t, trades[1].PnL)
	assert.Equal(t, 10.0, *trades[1].PnL)

	assert.Len(t, store.opened, 1)
	assert.Len(t, store.closed, 1)
	assert.Len(t, bus.events, 2)
	assert.Empty(t, l.Unpersisted())
}

func TestRealizedPnL(t *testing.T) {
	tests := []struct {
		name             string
		side             domain.PositionSide
		entry, exit, qty float64
		want             float64
	}{
		{"long gain", domain.PositionSideLong, 50_000, 51_000, 0.01, 10},
		{"long loss", domain.PositionSideLong, 100, 90, 3, -30},
		{"short gain", domain.PositionSideShort, 100, 90, 3, 30},
		{"short loss", domain.PositionSideShort, 0.1, 0.3, 10, -2},
		{"flat", domain.PositionSideLong, 0.1 + 0.2, 0.3, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RealizedPnL(tt.side, tt.entry, tt.exit, tt.qty)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
	assert.Equal(t, 0.0, RealizedPnL(domain.PositionSideShort, 123.45, 123.45, 9))
}

func TestClose_TwiceKeepsFirstResult(t *testing.T) {
	l, _, _, _ := newTestLedger()
	pos := openBTC(t, l, domain.PositionSideShort)

	first, err := l.Close(context.Background(), pos.ID, 49_000, ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, 10.0, *first.RealizedPnL)

	_, err = l.Close(context.Background(), pos.ID, 40_000, ReasonManual)
	assert.True(t, errors.Is(err, domain.ErrPositionNotFoundOrAlreadyClosed))

	got, err := l.Get(pos.ID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, *got.RealizedPnL)
	assert.Equal(t, 49_000.0, *got.ExitPrice)
	assert.Len(t, l.Trades(pos.ID), 2)
}

func TestClose_UnknownID(t *testing.T) {
	l, _, _, _ := newTestLedger()
	_, err := l.Close(context.Background(), "nope", 1, ReasonManual)
	assert.True(t, errors.Is(err, domain.ErrPositionNotFoundOrAlreadyClosed))
}

func TestOpen_RejectsInvalid(t *testing.T) {
	l, _, _, _ := newTestLedger()
	bad := []OpenRequest{
		{Symbol: "BTCUSD", Price: 0, Quantity: 1},
		{Symbol: "BTCUSD", Price: 10, Quantity: -1},
		{Symbol: "BTCUSD", Price: math.NaN(), Quantity: 1},
		{Symbol: "BTCUSD", Price: 10, Quantity: math.Inf(1)},
		{Symbol: "", Price: 10, Quantity: 1},
		{Symbol: "BTCUSD", Side: "sideways", Price: 10, Quantity: 1},
	}
	for _, req := range bad {
		_, err := l.Open(context.Background(), req)
		assert.True(t, errors.Is(err, domain.ErrInvalidPosition), "%+v", req)
	}
	assert.Empty(t, l.OpenPositions())
}

func TestOpen_DegradesWhenStoreFails(t *testing.T) {
	l, store, health, _ := newTestLedger()
	store.failOpen = true

	pos := openBTC(t, l, domain.PositionSideLong)

	got, err := l.Get(pos.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOpen())
	assert.Equal(t, []string{pos.ID}, l.Unpersisted())
	assert.Equal(t, []string{"open:" + pos.ID}, health.reports)

	store.failOpen = false
	_, err = l.Close(context.Background(), pos.ID, 50_500, ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, []string{pos.ID}, l.Unpersisted())
}

func TestClose_DegradesWhenStoreFails(t *testing.T) {
	l, store, health, _ := newTestLedger()
	pos := openBTC(t, l, domain.PositionSideLong)
	store.failClose = true

	closed, err := l.Close(context.Background(), pos.ID, 50_100, ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, closed.Status)
	assert.Equal(t, []string{pos.ID}, l.Unpersisted())
	assert.Equal(t, []string{"close:" + pos.ID}, health.reports)
}

func TestExitPolicy_Fallback(t *testing.T) {
	l, _, _, _ := newTestLedger()
	l.RegisterExitPolicy("momentum", "*", ExitPolicy{StopLossPct: 0.05, TakeProfitPct: 0.10})
	l.RegisterExitPolicy("momentum", "ETHUSD", ExitPolicy{StopLossPct: 0.02})

	long := openBTC(t, l, domain.PositionSideLong)
	require.NotNil(t, long.StopLoss)
	require.NotNil(t, long.TakeProfit)
	assert.Equal(t, 47_500.0, *long.StopLoss)
	assert.Equal(t, 55_000.0, *long.TakeProfit)

	short := openBTC(t, l, domain.PositionSideShort)
	assert.Equal(t, 52_500.0, *short.StopLoss)
	assert.Equal(t, 45_000.0, *short.TakeProfit)

	eth, err := l.Open(context.Background(), OpenRequest{Strategy: "momentum", Symbol: "ETHUSD", Price: 2000, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 1960.0, *eth.StopLoss)
	assert.Nil(t, eth.TakeProfit)

	other, err := l.Open(context.Background(), OpenRequest{Strategy: "carry", Symbol: "ETHUSD", Price: 2000, Quantity: 1})
	require.NoError(t, err)
	assert.Nil(t, other.StopLoss)
}

func TestMonitorPositions_MechanicalExit(t *testing.T) {
	l, _, _, _ := newTestLedger()
	l.RegisterExitPolicy("momentum", "*", ExitPolicy{StopLossPct: 0.05, TakeProfitPct: 0.10})
	pos := openBTC(t, l, domain.PositionSideLong)

	closed := l.MonitorPositions(context.Background(), map[string]float64{"BTCUSD": 51_000})
	assert.Empty(t, closed)
	got, _ := l.Get(pos.ID)
	require.NotNil(t, got.UnrealizedPnL)
	assert.Equal(t, 10.0, *got.UnrealizedPnL)

	closed = l.MonitorPositions(context.Background(), map[string]float64{"BTCUSD": 47_000})
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonStopLoss, closed[0].CloseReason)
	assert.Equal(t, -30.0, *closed[0].RealizedPnL)
}

func TestMonitorPositions_SkipsUnknownPrices(t *testing.T) {
	l, _, _, _ := newTestLedger()
	l.RegisterExitPolicy("momentum", "*", ExitPolicy{StopLossPct: 0.05})
	pos := openBTC(t, l, domain.PositionSideLong)

	assert.Empty(t, l.MonitorPositions(context.Background(), map[string]float64{"ETHUSD": 1}))
	got, _ := l.Get(pos.ID)
	assert.Nil(t, got.UnrealizedPnL)
}

func TestMonitorPositions_ExchangeFirst(t *testing.T) {
	l, _, _, _ := newTestLedger()
	l.RegisterExitPolicy("momentum", "*", ExitPolicy{TakeProfitPct: 0.01})
	gw := &fakeGateway{err: errors.New("venue down")}
	l.SetExitGateway(gw)
	pos := openBTC(t, l, domain.PositionSideLong)

	assert.Empty(t, l.MonitorPositions(context.Background(), map[string]float64{"BTCUSD": 51_000}))
	got, _ := l.Get(pos.ID)
	assert.True(t, got.IsOpen())

	gw.err = nil
	gw.fill = 50_900
	closed := l.MonitorPositions(context.Background(), map[string]float64{"BTCUSD": 51_000})
	require.Len(t, closed, 1)
	assert.Equal(t, 50_900.0, *closed[0].ExitPrice)
	assert.Equal(t, []domain.TradeSide{domain.TradeSideSell, domain.TradeSideSell}, gw.sides)
}

func TestMonitorPositions_PredictiveWins(t *testing.T) {
	l, _, _, _ := newTestLedger()
	l.RegisterExitPolicy("momentum", "*", ExitPolicy{StopLossPct: 0.05})
	l.SetExitSupervisor(NewExitSupervisor(stubStrategy{decision: ExitDecision{ShouldExit: false, Confidence: 0.1}}, discard()))
	pos := openBTC(t, l, domain.PositionSideLong)

	// below the stop, but the predictive strategy answered without error
	assert.Empty(t, l.MonitorPositions(context.Background(), map[string]float64{"BTCUSD": 40_000}))
	got, _ := l.Get(pos.ID)
	assert.True(t, got.IsOpen())
}

func TestRestore(t *testing.T) {
	l, store, _, _ := newTestLedger()
	store.open = []domain.Position{{
		ID: "p-1", Symbol: "SOLUSD", Side: domain.PositionSideLong,
		EntryPrice: 20, Quantity: 5, Status: domain.PositionStatusOpen,
		EntryTime: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}}
	store.trades["p-1"] = []domain.Trade{{ID: "t-1", PositionID: "p-1", IsEntry: true}}

	n, err := l.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, l.OpenPositions(), 1)
	assert.Len(t, l.Trades("p-1"), 1)

	n, err = l.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestConcurrentClose_SingleWinner(t *testing.T) {
	l, _, _, _ := newTestLedger()
	pos := openBTC(t, l, domain.PositionSideLong)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(price float64) {
			defer wg.Done()
			if _, err := l.Close(context.Background(), pos.ID, price, ReasonManual); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(50_000 + float64(i))
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, l.Trades(pos.ID), 2)
	assert.Len(t, l.ClosedPositions(), 1)
}
