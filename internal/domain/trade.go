package domain

import "time"

// TradeSide indicates whether a fill bought or sold.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Trade is the immutable record of one fill. Every position owns exactly one
// entry trade and at most one exit trade.
type Trade struct {
	ID         string
	PositionID string
	Side       TradeSide
	Symbol     string
	Quantity   float64
	Price      float64
	Value      float64 // Quantity * Price
	Strategy   string
	ExecutedAt time.Time
	PnL        *float64 // exit trades only
	IsEntry    bool
}
