package engine

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/capitalbot/internal/domain"
	"github.com/alanyoungcy/capitalbot/internal/optimizer"
	"github.com/alanyoungcy/capitalbot/internal/resilience"
)

type quote struct {
	price float64
	ok    bool
}

// gather looks up every symbol's price and the free balance concurrently,
// at most Workers calls in flight. A failed or empty lookup falls back to the
// last known good value; symbols with neither are left out.
func (e *Engine) gather(ctx context.Context, symbols []string) (map[string]float64, float64) {
	var (
		mu     sync.Mutex
		prices = make(map[string]float64, len(symbols))
		fresh  = make(map[string]float64, len(symbols))
	)
	var balance float64
	var balanceOK bool

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)

	for _, sym := range symbols {
		g.Go(func() error {
			q, err := resilience.Call(ctx, e.priceGuard, func(ctx context.Context) (quote, error) {
				p, ok := e.deps.Prices.GetPrice(ctx, sym)
				return quote{price: p, ok: ok}, nil
			})
			if err == nil && q.ok {
				mu.Lock()
				fresh[sym] = q.price
				mu.Unlock()
				return nil
			}
			if err != nil {
				e.logger.WarnContext(ctx, "engine: price lookup failed",
					slog.String("symbol", sym),
					slog.String("error", err.Error()),
				)
			}
			return nil
		})
	}

	g.Go(func() error {
		b, err := resilience.Call(ctx, e.balanceGuard, e.deps.Balance.Balance)
		if err != nil {
			e.logger.WarnContext(ctx, "engine: balance lookup failed", slog.String("error", err.Error()))
			return nil
		}
		if math.IsNaN(b) || math.IsInf(b, 0) || b < 0 {
			e.logger.WarnContext(ctx, "engine: balance rejected", slog.Float64("balance", b))
			return nil
		}
		balance, balanceOK = b, true
		return nil
	})
	_ = g.Wait()

	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()

	for sym, p := range fresh {
		prices[sym] = p
		e.lastPrices[sym] = observed{value: p, at: now}
	}
	for _, sym := range symbols {
		if _, ok := prices[sym]; ok {
			continue
		}
		if lkg, ok := e.lastPrices[sym]; ok && e.usable(lkg) {
			prices[sym] = lkg.value
			e.deps.Metrics.UpstreamFallbacks.WithLabelValues("price").Inc()
		}
	}

	if balanceOK {
		e.lastBalance = &observed{value: balance, at: now}
	} else if e.lastBalance != nil && e.usable(*e.lastBalance) {
		balance = e.lastBalance.value
		e.deps.Metrics.UpstreamFallbacks.WithLabelValues("balance").Inc()
	}
	return prices, balance
}

func (e *Engine) usable(o observed) bool {
	return e.cfg.LastKnownGoodTTL <= 0 || e.now().Sub(o.at) <= e.cfg.LastKnownGoodTTL
}

// heldViews builds the optimizer's view of each open position and returns
// the total marked value. Positions without a price are valued at cost and
// left out of the views.
func (e *Engine) heldViews(open []domain.Position, prices map[string]float64, volatility map[string]float64) ([]optimizer.HeldPosition, float64) {
	now := e.now()
	views := make([]optimizer.HeldPosition, 0, len(open))
	var invested float64

	for _, p := range open {
		price, ok := prices[p.Symbol]
		if !ok {
			invested += p.CostBasis()
			continue
		}
		invested += price * p.Quantity

		ret := (price - p.EntryPrice) / p.EntryPrice * 100
		if p.Side == domain.PositionSideShort {
			ret = -ret
		}
		held := now.Sub(p.EntryTime)
		days := math.Max(held.Hours()/24, 1.0/24)

		vol, ok := volatility[p.Symbol]
		if !ok {
			vol = e.cfg.DefaultVolatility
		}
		views = append(views, optimizer.HeldPosition{
			PositionID:           p.ID,
			Symbol:               p.Symbol,
			ExpectedReturn:       deref(p.Metadata.ExpectedReturn),
			ActualReturn:         ret,
			CurrentValue:         price * p.Quantity,
			HoldingPeriod:        held,
			RecentVelocity:       ret / days,
			HistoricalVolatility: vol,
			AIConfidence:         deref(p.Metadata.Confidence),
			MathematicalProof:    deref(p.Metadata.MathematicalProof),
		})
	}
	return views, invested
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

