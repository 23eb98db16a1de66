package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

type fakeStore struct {
	mu        sync.Mutex
	failOpen  bool
	failClose bool
	opened    []domain.Position
	closed    []domain.Position
	trades    map[string][]domain.Trade
	open      []domain.Position
}

func newFakeStore() *fakeStore {
	return &fakeStore{trades: make(map[string][]domain.Trade)}
}

func (f *fakeStore) SaveOpen(_ context.Context, pos domain.Position, entry domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOpen {
		return errors.New("connection refused")
	}
	f.opened = append(f.opened, pos)
	f.trades[pos.ID] = append(f.trades[pos.ID], entry)
	return nil
}

func (f *fakeStore) SaveClose(_ context.Context, pos domain.Position, exit domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failClose {
		return errors.New("connection refused")
	}
	f.closed = append(f.closed, pos)
	f.trades[pos.ID] = append(f.trades[pos.ID], exit)
	return nil
}

func (f *fakeStore) LoadOpen(context.Context) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Position(nil), f.open...), nil
}

func (f *fakeStore) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (f *fakeStore) ListClosed(context.Context, domain.ListOpts) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Position(nil), f.closed...), nil
}

func (f *fakeStore) ListTrades(_ context.Context, id string) ([]domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Trade(nil), f.trades[id]...), nil
}

type fakeBus struct {
	mu     sync.Mutex
	events [][]byte
}

func (b *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, payload)
	return nil
}

func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (b *fakeBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return errors.New("audit table missing")
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeHealth struct {
	mu      sync.Mutex
	reports []string
}

func (h *fakeHealth) ReportDegraded(_ context.Context, op, id string, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, op+":"+id)
}

type fakeGateway struct {
	fill  float64
	err   error
	sides []domain.TradeSide
}

func (g *fakeGateway) PlaceOrder(_ context.Context, _ string, side domain.TradeSide, qty float64) (domain.OrderResult, error) {
	g.sides = append(g.sides, side)
	if g.err != nil {
		return domain.OrderResult{}, g.err
	}
	return domain.OrderResult{OrderID: "o-1", FilledPrice: g.fill, FilledQty: qty}, nil
}

type stubStrategy struct {
	decision ExitDecision
	err      error
}

func (s stubStrategy) Name() string { return "predictive" }

func (s stubStrategy) Evaluate(context.Context, domain.Position, float64) (ExitDecision, error) {
	return s.decision, s.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
