package handler

import (
	"time"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// PositionView is the JSON shape of a position.
type PositionView struct {
	ID            string                  `json:"id"`
	Strategy      string                  `json:"strategy"`
	Symbol        string                  `json:"symbol"`
	Side          domain.PositionSide     `json:"side"`
	Status        domain.PositionStatus   `json:"status"`
	EntryPrice    float64                 `json:"entry_price"`
	Quantity      float64                 `json:"quantity"`
	CostBasis     float64                 `json:"cost_basis"`
	EntryTradeID  string                  `json:"entry_trade_id"`
	EntryTime     time.Time               `json:"entry_time"`
	ExitPrice     *float64                `json:"exit_price,omitempty"`
	ExitTradeID   *string                 `json:"exit_trade_id,omitempty"`
	ExitTime      *time.Time              `json:"exit_time,omitempty"`
	RealizedPnL   *float64                `json:"realized_pnl,omitempty"`
	UnrealizedPnL *float64                `json:"unrealized_pnl,omitempty"`
	StopLoss      *float64                `json:"stop_loss,omitempty"`
	TakeProfit    *float64                `json:"take_profit,omitempty"`
	CloseReason   string                  `json:"close_reason,omitempty"`
	Metadata      domain.PositionMetadata `json:"metadata"`
}

func positionView(p domain.Position) PositionView {
	return PositionView{
		ID:            p.ID,
		Strategy:      p.Strategy,
		Symbol:        p.Symbol,
		Side:          p.Side,
		Status:        p.Status,
		EntryPrice:    p.EntryPrice,
		Quantity:      p.Quantity,
		CostBasis:     p.CostBasis(),
		EntryTradeID:  p.EntryTradeID,
		EntryTime:     p.EntryTime,
		ExitPrice:     p.ExitPrice,
		ExitTradeID:   p.ExitTradeID,
		ExitTime:      p.ExitTime,
		RealizedPnL:   p.RealizedPnL,
		UnrealizedPnL: p.UnrealizedPnL,
		StopLoss:      p.StopLoss,
		TakeProfit:    p.TakeProfit,
		CloseReason:   p.CloseReason,
		Metadata:      p.Metadata,
	}
}

func positionViews(ps []domain.Position) []PositionView {
	out := make([]PositionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, positionView(p))
	}
	return out
}

// TradeView is the JSON shape of a trade.
type TradeView struct {
	ID         string           `json:"id"`
	PositionID string           `json:"position_id"`
	Side       domain.TradeSide `json:"side"`
	Symbol     string           `json:"symbol"`
	Quantity   float64          `json:"quantity"`
	Price      float64          `json:"price"`
	Value      float64          `json:"value"`
	Strategy   string           `json:"strategy"`
	ExecutedAt time.Time        `json:"executed_at"`
	PnL        *float64         `json:"pnl,omitempty"`
	IsEntry    bool             `json:"is_entry"`
}

func tradeViews(ts []domain.Trade) []TradeView {
	out := make([]TradeView, 0, len(ts))
	for _, t := range ts {
		out = append(out, TradeView{
			ID:         t.ID,
			PositionID: t.PositionID,
			Side:       t.Side,
			Symbol:     t.Symbol,
			Quantity:   t.Quantity,
			Price:      t.Price,
			Value:      t.Value,
			Strategy:   t.Strategy,
			ExecutedAt: t.ExecutedAt,
			PnL:        t.PnL,
			IsEntry:    t.IsEntry,
		})
	}
	return out
}
