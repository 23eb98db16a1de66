// Package paper simulates an exchange: orders fill immediately at the
// current market price adjusted for slippage, against an in-memory cash
// balance.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// ErrInsufficientFunds is returned when a buy costs more than the free cash.
var ErrInsufficientFunds = fmt.Errorf("paper: %w", domain.ErrInsufficientFunds)

// Config configures the simulated venue.
type Config struct {
	StartingBalance float64
	SlippageBps     float64
	FeeBps          float64
}

// Gateway implements domain.ExchangeGateway and domain.BalanceProvider.
type Gateway struct {
	prices domain.MarketDataProvider
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	cash decimal.Decimal
	now  func() time.Time
}

// NewGateway creates a paper gateway seeded with cfg.StartingBalance.
func NewGateway(prices domain.MarketDataProvider, cfg Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		prices: prices,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "paper")),
		cash:   decimal.NewFromFloat(cfg.StartingBalance),
		now:    time.Now,
	}
}

// PlaceOrder fills quantity at the current price. Buys pay price plus
// slippage and debit cash; sells receive price minus slippage.
func (g *Gateway) PlaceOrder(ctx context.Context, symbol string, side domain.TradeSide, quantity float64) (domain.OrderResult, error) {
	if quantity <= 0 {
		return domain.OrderResult{}, fmt.Errorf("paper: place order %s: quantity %v: %w", symbol, quantity, domain.ErrInvalidPosition)
	}
	mark, ok := g.prices.GetPrice(ctx, symbol)
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("paper: place order %s: %w", symbol, domain.ErrNoPrice)
	}

	slip := mark * g.cfg.SlippageBps / 10000
	price := mark + slip
	if side == domain.TradeSideSell {
		price = mark - slip
	}
	notional := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(quantity))
	fee := notional.Mul(decimal.NewFromFloat(g.cfg.FeeBps)).Div(decimal.NewFromInt(10000))

	g.mu.Lock()
	switch side {
	case domain.TradeSideBuy:
		cost := notional.Add(fee)
		if cost.GreaterThan(g.cash) {
			free := g.cash
			g.mu.Unlock()
			return domain.OrderResult{}, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost.StringFixed(2), free.StringFixed(2))
		}
		g.cash = g.cash.Sub(cost)
	case domain.TradeSideSell:
		g.cash = g.cash.Add(notional.Sub(fee))
	default:
		g.mu.Unlock()
		return domain.OrderResult{}, fmt.Errorf("paper: place order %s: unknown side %q", symbol, side)
	}
	cash := g.cash.InexactFloat64()
	g.mu.Unlock()

	res := domain.OrderResult{
		OrderID:     uuid.NewString(),
		FilledPrice: price,
		FilledQty:   quantity,
		FeeUSD:      fee.InexactFloat64(),
		FilledAt:    g.now().UTC(),
	}
	g.logger.InfoContext(ctx, "paper: order filled",
		slog.String("order_id", res.OrderID),
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Float64("qty", quantity),
		slog.Float64("price", price),
		slog.Float64("cash", cash),
	)
	return res, nil
}

// Balance returns the free cash.
func (g *Gateway) Balance(context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cash.InexactFloat64(), nil
}

var (
	_ domain.ExchangeGateway = (*Gateway)(nil)
	_ domain.BalanceProvider = (*Gateway)(nil)
)
