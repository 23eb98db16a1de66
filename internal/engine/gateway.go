package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/capitalbot/internal/domain"
	"github.com/alanyoungcy/capitalbot/internal/resilience"
)

// OrderLimit caps order placement across every process sharing the limiter.
type OrderLimit struct {
	Limit  int
	Window time.Duration
}

// GuardedGateway wraps an ExchangeGateway with a distributed order rate
// limit, a per-call timeout and a circuit breaker. Rejections that retrying
// cannot fix are neither retried nor counted against the breaker.
type GuardedGateway struct {
	next    domain.ExchangeGateway
	guard   *resilience.Guard
	limiter domain.RateLimiter
	limit   OrderLimit
	logger  *slog.Logger
}

// NewGuardedGateway wraps next. limiter may be nil.
func NewGuardedGateway(next domain.ExchangeGateway, guard *resilience.Guard, limiter domain.RateLimiter, limit OrderLimit, logger *slog.Logger) *GuardedGateway {
	return &GuardedGateway{
		next:    next,
		guard:   guard,
		limiter: limiter,
		limit:   limit,
		logger:  logger.With(slog.String("component", "guarded_gateway")),
	}
}

// PlaceOrder implements domain.ExchangeGateway.
func (g *GuardedGateway) PlaceOrder(ctx context.Context, symbol string, side domain.TradeSide, qty float64) (domain.OrderResult, error) {
	if g.limiter != nil && g.limit.Limit > 0 {
		ok, err := g.limiter.Allow(ctx, "orders", g.limit.Limit, g.limit.Window)
		switch {
		case err != nil:
			g.logger.WarnContext(ctx, "engine: order rate limiter unavailable", slog.String("error", err.Error()))
		case !ok:
			return domain.OrderResult{}, fmt.Errorf("engine: place order %s: %w", symbol, domain.ErrRateLimited)
		}
	}

	return resilience.Call(ctx, g.guard, func(ctx context.Context) (domain.OrderResult, error) {
		res, err := g.next.PlaceOrder(ctx, symbol, side, qty)
		if err != nil && isPermanent(err) {
			return res, resilience.Permanent(err)
		}
		return res, err
	})
}

func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidPosition) ||
		errors.Is(err, domain.ErrNoPrice) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, domain.ErrInsufficientFunds) ||
		errors.Is(err, domain.ErrUnauthorized)
}

var _ domain.ExchangeGateway = (*GuardedGateway)(nil)
