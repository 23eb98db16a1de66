// Package ledger is the authoritative record of positions and their trades.
// It owns the open -> closed state machine, computes realised PnL exactly,
// and persists every transition, degrading to memory when the store fails.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// HealthReporter receives critical consistency signals.
type HealthReporter interface {
	ReportDegraded(ctx context.Context, op, positionID string, err error)
}

// ExitPolicy derives stop-loss and take-profit levels from the entry price.
// Percentages are fractions (0.05 = 5%); zero disables the level.
type ExitPolicy struct {
	StopLossPct   float64
	TakeProfitPct float64
}

// OpenRequest describes a filled entry.
type OpenRequest struct {
	Strategy  string
	Symbol    string
	Side      domain.PositionSide
	Price     float64
	Quantity  float64
	Timestamp time.Time
	Metadata  domain.PositionMetadata
}

type policyKey struct {
	strategy string
	symbol   string
}

// Ledger holds every position seen by this process. Mutations of one
// position id are serialised; different ids proceed independently.
type Ledger struct {
	store  domain.LedgerStore
	bus    domain.SignalBus
	audit  domain.AuditStore
	health HealthReporter
	logger *slog.Logger

	exits       *ExitSupervisor
	exitGateway domain.ExchangeGateway

	locks *keyedMutex

	mu          sync.RWMutex
	positions   map[string]domain.Position
	trades      map[string][]domain.Trade
	unpersisted map[string]string // id -> failed operation
	policies    map[policyKey]ExitPolicy

	now func() time.Time
}

// New creates a Ledger. bus, audit and health are optional.
func New(
	store domain.LedgerStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	health HealthReporter,
	logger *slog.Logger,
) *Ledger {
	logger = logger.With(slog.String("component", "ledger"))
	return &Ledger{
		store:       store,
		bus:         bus,
		audit:       audit,
		health:      health,
		logger:      logger,
		exits:       NewExitSupervisor(nil, logger),
		locks:       newKeyedMutex(),
		positions:   make(map[string]domain.Position),
		trades:      make(map[string][]domain.Trade),
		unpersisted: make(map[string]string),
		policies:    make(map[policyKey]ExitPolicy),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetExitSupervisor replaces the exit supervisor used by MonitorPositions.
func (l *Ledger) SetExitSupervisor(s *ExitSupervisor) {
	l.exits = s
}

// SetExitGateway makes MonitorPositions confirm exits with the exchange
// before closing them in the ledger.
func (l *Ledger) SetExitGateway(gw domain.ExchangeGateway) {
	l.exitGateway = gw
}

// RegisterExitPolicy sets the stop/take policy for (strategy, symbol). Use
// symbol "*" for a strategy-wide default.
func (l *Ledger) RegisterExitPolicy(strategy, symbol string, p ExitPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[policyKey{strategy, symbol}] = p
}

func (l *Ledger) policyFor(strategy, symbol string) (ExitPolicy, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.policies[policyKey{strategy, symbol}]; ok {
		return p, true
	}
	p, ok := l.policies[policyKey{strategy, "*"}]
	return p, ok
}

// Open records a new position and its entry trade. A store failure keeps the
// position in memory, marks it unpersisted and raises a health signal; the
// returned error is nil in that case.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (domain.Position, error) {
	if req.Symbol == "" || !positiveFinite(req.Price) || !positiveFinite(req.Quantity) {
		return domain.Position{}, fmt.Errorf("ledger: open %q price=%v qty=%v: %w",
			req.Symbol, req.Price, req.Quantity, domain.ErrInvalidPosition)
	}
	side := req.Side
	if side == "" {
		side = domain.PositionSideLong
	}
	if !side.Valid() {
		return domain.Position{}, fmt.Errorf("ledger: open %q side %q: %w", req.Symbol, side, domain.ErrInvalidPosition)
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	pos := domain.Position{
		ID:           uuid.New().String(),
		Strategy:     req.Strategy,
		Symbol:       req.Symbol,
		Side:         side,
		EntryPrice:   req.Price,
		Quantity:     req.Quantity,
		EntryTradeID: uuid.New().String(),
		EntryTime:    ts,
		Status:       domain.PositionStatusOpen,
		Metadata:     req.Metadata,
	}
	if p, ok := l.policyFor(req.Strategy, req.Symbol); ok {
		pos.StopLoss, pos.TakeProfit = exitLevels(side, req.Price, p)
	}
	entry := domain.Trade{
		ID:         pos.EntryTradeID,
		PositionID: pos.ID,
		Side:       side.EntrySide(),
		Symbol:     pos.Symbol,
		Quantity:   pos.Quantity,
		Price:      pos.EntryPrice,
		Value:      tradeValue(pos.Quantity, pos.EntryPrice),
		Strategy:   pos.Strategy,
		ExecutedAt: ts,
		IsEntry:    true,
	}

	unlock := l.locks.Lock(pos.ID)
	defer unlock()

	persistErr := l.store.SaveOpen(ctx, pos, entry)

	l.mu.Lock()
	l.positions[pos.ID] = pos
	l.trades[pos.ID] = []domain.Trade{entry}
	if persistErr != nil {
		l.unpersisted[pos.ID] = "open"
	}
	l.mu.Unlock()

	if persistErr != nil {
		l.degraded(ctx, "open", pos.ID, persistErr)
	}

	detail := map[string]any{
		"position_id": pos.ID,
		"strategy":    pos.Strategy,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"entry_price": pos.EntryPrice,
		"quantity":    pos.Quantity,
		"persisted":   persistErr == nil,
	}
	l.emit(ctx, "position_opened", pos.ID, detail)

	l.logger.InfoContext(ctx, "ledger: position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("quantity", pos.Quantity),
	)
	return pos, nil
}

// Close closes an open position at exitPrice. Closing an unknown or already
// closed position returns domain.ErrPositionNotFoundOrAlreadyClosed and
// leaves state untouched. Store failures degrade as in Open.
func (l *Ledger) Close(ctx context.Context, id string, exitPrice float64, reason string) (domain.Position, error) {
	if !positiveFinite(exitPrice) {
		return domain.Position{}, fmt.Errorf("ledger: close %s price=%v: %w", id, exitPrice, domain.ErrInvalidPosition)
	}

	unlock := l.locks.Lock(id)
	defer unlock()

	l.mu.RLock()
	pos, ok := l.positions[id]
	l.mu.RUnlock()
	if !ok || !pos.IsOpen() {
		return domain.Position{}, fmt.Errorf("ledger: close %s: %w", id, domain.ErrPositionNotFoundOrAlreadyClosed)
	}

	now := l.now()
	pnl := RealizedPnL(pos.Side, pos.EntryPrice, exitPrice, pos.Quantity)
	exitID := uuid.New().String()

	pos.Status = domain.PositionStatusClosed
	pos.ExitPrice = domain.Float(exitPrice)
	pos.ExitTradeID = &exitID
	pos.ExitTime = &now
	pos.RealizedPnL = domain.Float(pnl)
	pos.UnrealizedPnL = nil
	pos.CloseReason = reason

	exit := domain.Trade{
		ID:         exitID,
		PositionID: pos.ID,
		Side:       pos.Side.ExitSide(),
		Symbol:     pos.Symbol,
		Quantity:   pos.Quantity,
		Price:      exitPrice,
		Value:      tradeValue(pos.Quantity, exitPrice),
		Strategy:   pos.Strategy,
		ExecutedAt: now,
		PnL:        domain.Float(pnl),
	}

	persistErr := l.store.SaveClose(ctx, pos, exit)

	l.mu.Lock()
	l.positions[pos.ID] = pos
	l.trades[pos.ID] = append(l.trades[pos.ID], exit)
	// A failed open stays flagged even if this close persists: the
	// entry trade row is still missing from the store.
	if persistErr != nil {
		l.unpersisted[pos.ID] = "close"
	}
	l.mu.Unlock()

	if persistErr != nil {
		l.degraded(ctx, "close", pos.ID, persistErr)
	}

	l.emit(ctx, "position_closed", pos.ID, map[string]any{
		"position_id":  pos.ID,
		"symbol":       pos.Symbol,
		"entry_price":  pos.EntryPrice,
		"exit_price":   exitPrice,
		"realized_pnl": pnl,
		"reason":       reason,
		"strategy":     pos.Strategy,
		"persisted":    persistErr == nil,
	})

	l.logger.InfoContext(ctx, "ledger: position closed",
		slog.String("position_id", pos.ID),
		slog.String("reason", reason),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("realized_pnl", pnl),
	)
	return pos, nil
}

// MonitorPositions marks open positions to prices and closes those the exit
// supervisor flags. Symbols missing from prices are left untouched. It
// returns the positions closed during this pass.
func (l *Ledger) MonitorPositions(ctx context.Context, prices map[string]float64) []domain.Position {
	var closed []domain.Position
	for _, snapshot := range l.OpenPositions() {
		price, ok := prices[snapshot.Symbol]
		if !ok || !positiveFinite(price) {
			continue
		}

		pos, stillOpen := l.markToMarket(snapshot.ID, price)
		if !stillOpen {
			continue
		}

		d := l.exits.Evaluate(ctx, pos, price)
		if !d.ShouldExit {
			continue
		}

		fill := price
		if l.exitGateway != nil {
			res, err := l.exitGateway.PlaceOrder(ctx, pos.Symbol, pos.Side.ExitSide(), pos.Quantity)
			if err != nil {
				l.logger.WarnContext(ctx, "ledger: exit order failed, position stays open",
					slog.String("position_id", pos.ID),
					slog.String("reason", d.Reason),
					slog.String("error", err.Error()),
				)
				continue
			}
			if positiveFinite(res.FilledPrice) {
				fill = res.FilledPrice
			}
		}

		c, err := l.Close(ctx, pos.ID, fill, d.Reason)
		if err != nil {
			l.logger.WarnContext(ctx, "ledger: monitor close failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		closed = append(closed, c)
	}
	return closed
}

func (l *Ledger) markToMarket(id string, price float64) (domain.Position, bool) {
	unlock := l.locks.Lock(id)
	defer unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[id]
	if !ok || !pos.IsOpen() {
		return domain.Position{}, false
	}
	pos.UnrealizedPnL = domain.Float(RealizedPnL(pos.Side, pos.EntryPrice, price, pos.Quantity))
	l.positions[id] = pos
	return pos, true
}

// Get returns the position with id.
func (l *Ledger) Get(id string) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[id]
	if !ok {
		return domain.Position{}, fmt.Errorf("ledger: get %s: %w", id, domain.ErrNotFound)
	}
	return pos, nil
}

// OpenPositions returns open positions ordered by entry time.
func (l *Ledger) OpenPositions() []domain.Position {
	return l.filter(func(p domain.Position) bool { return p.IsOpen() })
}

// ClosedPositions returns closed positions ordered by entry time.
func (l *Ledger) ClosedPositions() []domain.Position {
	return l.filter(func(p domain.Position) bool { return p.Status == domain.PositionStatusClosed })
}

func (l *Ledger) filter(keep func(domain.Position) bool) []domain.Position {
	l.mu.RLock()
	out := make([]domain.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if keep(p) {
			out = append(out, p)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// Trades returns the trades recorded for a position, entry first.
func (l *Ledger) Trades(positionID string) []domain.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.Trade(nil), l.trades[positionID]...)
}

// Unpersisted returns the ids whose latest transition exists only in memory.
func (l *Ledger) Unpersisted() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.unpersisted))
	for id := range l.unpersisted {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Restore loads open positions and their trades from the store. Positions
// already known in memory are kept as they are.
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	open, err := l.store.LoadOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: restore: %w", err)
	}

	restored := 0
	for _, pos := range open {
		trades, err := l.store.ListTrades(ctx, pos.ID)
		if err != nil {
			l.logger.WarnContext(ctx, "ledger: restore trades failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}

		l.mu.Lock()
		if _, exists := l.positions[pos.ID]; !exists {
			l.positions[pos.ID] = pos
			l.trades[pos.ID] = trades
			restored++
		}
		l.mu.Unlock()
	}

	l.logger.InfoContext(ctx, "ledger: restored open positions", slog.Int("count", restored))
	return restored, nil
}

func (l *Ledger) degraded(ctx context.Context, op, id string, err error) {
	l.logger.ErrorContext(ctx, "ledger: persistence failed, keeping in memory",
		slog.String("op", op),
		slog.String("position_id", id),
		slog.String("error", err.Error()),
	)
	if l.health != nil {
		l.health.ReportDegraded(ctx, op, id, err)
	}
}

// RealizedPnL returns (exit-entry)*qty for longs and (entry-exit)*qty for
// shorts, computed in decimal.
func RealizedPnL(side domain.PositionSide, entry, exit, qty float64) float64 {
	diff := decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry))
	if side == domain.PositionSideShort {
		diff = diff.Neg()
	}
	pnl, _ := diff.Mul(decimal.NewFromFloat(qty)).Float64()
	return pnl
}

func tradeValue(qty, price float64) float64 {
	v, _ := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price)).Float64()
	return v
}

func exitLevels(side domain.PositionSide, entry float64, p ExitPolicy) (stop, take *float64) {
	e := decimal.NewFromFloat(entry)
	one := decimal.NewFromInt(1)
	level := func(pct float64, up bool) *float64 {
		d := decimal.NewFromFloat(pct)
		if !up {
			d = d.Neg()
		}
		v, _ := e.Mul(one.Add(d)).Float64()
		return &v
	}

	short := side == domain.PositionSideShort
	if p.StopLossPct > 0 {
		stop = level(p.StopLossPct, short)
	}
	if p.TakeProfitPct > 0 {
		take = level(p.TakeProfitPct, !short)
	}
	return stop, take
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
