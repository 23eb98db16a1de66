// Package marketdata serves latest prices to the engine from the shared
// price cache.
package marketdata

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// Config tunes a CachedProvider.
type Config struct {
	TTL        time.Duration // prices older than this are reported missing
	RatePerSec float64       // cache lookups per second, 0 disables pacing
	Burst      int
}

// CachedProvider implements domain.MarketDataProvider over a PriceCache.
// A stale, missing or non-positive price yields ok=false.
type CachedProvider struct {
	cache   domain.PriceCache
	ttl     time.Duration
	limiter *rate.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

// NewCachedProvider creates a provider reading from cache.
func NewCachedProvider(cache domain.PriceCache, cfg Config, logger *slog.Logger) *CachedProvider {
	p := &CachedProvider{
		cache:  cache,
		ttl:    cfg.TTL,
		now:    time.Now,
		logger: logger.With(slog.String("component", "marketdata")),
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(math.Ceil(cfg.RatePerSec))
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return p
}

// GetPrice returns the cached price for symbol if it is fresh.
func (p *CachedProvider) GetPrice(ctx context.Context, symbol string) (float64, bool) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, false
		}
	}

	price, ts, err := p.cache.GetPrice(ctx, symbol)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			p.logger.WarnContext(ctx, "marketdata: price lookup failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		return 0, false
	}
	if p.ttl > 0 && p.now().Sub(ts) > p.ttl {
		p.logger.DebugContext(ctx, "marketdata: stale price",
			slog.String("symbol", symbol),
			slog.Time("observed_at", ts),
		)
		return 0, false
	}
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, false
	}
	return price, true
}

var _ domain.MarketDataProvider = (*CachedProvider)(nil)
