package domain

import "context"

// MarketDataProvider returns the latest usable price for a symbol. ok is false
// when no fresh price is available; "no data" is never reported as an error.
type MarketDataProvider interface {
	GetPrice(ctx context.Context, symbol string) (price float64, ok bool)
}

// ExchangeGateway places orders with the venue.
type ExchangeGateway interface {
	PlaceOrder(ctx context.Context, symbol string, side TradeSide, quantity float64) (OrderResult, error)
}

// BalanceProvider reports the free quote balance available for new entries.
type BalanceProvider interface {
	Balance(ctx context.Context) (float64, error)
}

// OpportunitySource yields the scored opportunities for the current cycle.
type OpportunitySource interface {
	Fetch(ctx context.Context) ([]OpportunitySignal, error)
}
