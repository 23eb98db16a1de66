package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/capitalbot/internal/coordinator"
	"github.com/alanyoungcy/capitalbot/internal/domain"
	"github.com/alanyoungcy/capitalbot/internal/ledger"
	"github.com/alanyoungcy/capitalbot/internal/notify"
)

// execute applies plan decisions in order. Every action goes to the exchange
// first and is recorded in the ledger only after a fill. A failed action
// does not stop the rest, except that a rotation entry is skipped when its
// exit did not go through. Once the cycle budget is spent the remaining
// decisions are abandoned.
func (e *Engine) execute(ctx context.Context, plan coordinator.Plan, prices map[string]float64, rep *Report) {
	exited := make(map[string]bool)

	for i, d := range plan.Decisions {
		if d.Action == coordinator.ActionHold {
			continue
		}
		if ctx.Err() != nil {
			rep.Abandoned = countActionable(plan.Decisions[i:])
			e.logger.WarnContext(ctx, "engine: cycle budget exhausted, abandoning decisions",
				slog.Int("abandoned", rep.Abandoned),
			)
			return
		}
		e.deps.Metrics.Decisions.WithLabelValues(string(d.Action)).Inc()

		var err error
		switch d.Action {
		case coordinator.ActionSell:
			err = e.executeSell(ctx, d)
			if err == nil {
				exited[d.PositionID] = true
			}
		case coordinator.ActionBuy:
			if d.RotatedFrom != "" && !exited[d.RotatedFrom] {
				err = fmt.Errorf("rotation source %s was not closed", d.RotatedFrom)
				break
			}
			err = e.executeBuy(ctx, d, prices[d.Symbol])
		}

		if err != nil {
			rep.Failed++
			e.deps.Metrics.ExecutionFailures.WithLabelValues(string(d.Action)).Inc()
			e.logger.WarnContext(ctx, "engine: decision failed",
				slog.String("action", string(d.Action)),
				slog.String("symbol", d.Symbol),
				slog.String("position_id", d.PositionID),
				slog.String("error", err.Error()),
			)
			continue
		}
		rep.Executed++
	}
}

func (e *Engine) executeSell(ctx context.Context, d coordinator.Decision) error {
	pos, err := e.deps.Ledger.Get(d.PositionID)
	if err != nil {
		return err
	}
	if !pos.IsOpen() {
		return domain.ErrPositionNotFoundOrAlreadyClosed
	}

	res, err := e.deps.Gateway.PlaceOrder(ctx, pos.Symbol, pos.Side.ExitSide(), pos.Quantity)
	if err != nil {
		return fmt.Errorf("exit order: %w", err)
	}

	closed, err := e.deps.Ledger.Close(ctx, pos.ID, res.FilledPrice, ledger.ReasonRotation)
	if err != nil {
		if errors.Is(err, domain.ErrPositionNotFoundOrAlreadyClosed) {
			// Closed concurrently by the monitor; the exchange fill stands.
			e.logger.WarnContext(ctx, "engine: position closed before rotation exit recorded",
				slog.String("position_id", pos.ID),
				slog.String("order_id", res.OrderID),
			)
		}
		return fmt.Errorf("close position: %w", err)
	}
	e.recordClose(closed)
	return nil
}

func (e *Engine) executeBuy(ctx context.Context, d coordinator.Decision, price float64) error {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("buy %s: %w", d.Symbol, domain.ErrNoPrice)
	}
	qty := d.Size / price
	if qty <= 0 || math.IsNaN(qty) || math.IsInf(qty, 0) {
		return fmt.Errorf("buy %s size %v: %w", d.Symbol, d.Size, domain.ErrCannotSize)
	}
	side := d.Side
	if side == "" {
		side = domain.PositionSideLong
	}

	res, err := e.deps.Gateway.PlaceOrder(ctx, d.Symbol, side.EntrySide(), qty)
	if err != nil {
		return fmt.Errorf("entry order: %w", err)
	}
	fillQty := res.FilledQty
	if fillQty <= 0 {
		fillQty = qty
	}

	req := ledger.OpenRequest{
		Strategy:  e.cfg.Strategy,
		Symbol:    d.Symbol,
		Side:      side,
		Price:     res.FilledPrice,
		Quantity:  fillQty,
		Timestamp: res.FilledAt,
	}
	if d.Signal != nil {
		req.Metadata = metadataFrom(*d.Signal)
	}
	pos, err := e.deps.Ledger.Open(ctx, req)
	if err != nil {
		return fmt.Errorf("open position: %w", err)
	}

	e.alert(notify.Alert{
		Event: notify.EventPositionOpened,
		Title: "Position opened",
		Message: fmt.Sprintf("%s %s %s qty=%.6f @ %.6f conviction=%.2f",
			pos.ID, pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, d.Conviction),
	})
	return nil
}

func metadataFrom(sig domain.OpportunitySignal) domain.PositionMetadata {
	md := domain.PositionMetadata{
		Confidence:     domain.Float(sig.Confidence),
		Sources:        sig.Sources,
		ExpectedReturn: domain.Float(sig.ExpectedReturn),
	}
	if sig.PredictedMove != 0 {
		md.PredictedMove = domain.Float(sig.PredictedMove)
	}
	if sig.MathematicalProof != 0 {
		md.MathematicalProof = domain.Float(sig.MathematicalProof)
	}
	return md
}

func countActionable(ds []coordinator.Decision) int {
	n := 0
	for _, d := range ds {
		if d.Action != coordinator.ActionHold {
			n++
		}
	}
	return n
}
