package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// PricesChannel is the pub/sub channel market-data publishers write ticks to.
const PricesChannel = "prices"

// priceEvent is the JSON shape published on PricesChannel.
type priceEvent struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	BestBid   float64 `json:"best_bid"`
	BestAsk   float64 `json:"best_ask"`
	Timestamp string  `json:"timestamp"`
}

// PriceFeeder subscribes to PricesChannel and writes every tick into the
// price cache the market-data provider reads from.
type PriceFeeder struct {
	bus    domain.SignalBus
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewPriceFeeder creates a PriceFeeder.
func NewPriceFeeder(bus domain.SignalBus, cache domain.PriceCache, logger *slog.Logger) *PriceFeeder {
	return &PriceFeeder{
		bus:    bus,
		cache:  cache,
		logger: logger.With(slog.String("component", "price_feeder")),
	}
}

// Run consumes ticks until ctx is done.
func (f *PriceFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, PricesChannel)
	if err != nil {
		return err
	}
	f.logger.InfoContext(ctx, "feed: price feeder started")
	defer f.logger.Info("feed: price feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.DebugContext(ctx, "feed: price message dropped",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *PriceFeeder) handleMessage(ctx context.Context, data []byte) error {
	var ev priceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	symbol := strings.TrimSpace(ev.Symbol)
	if symbol == "" {
		return errors.New("missing symbol")
	}
	price := ev.Price
	if price <= 0 && ev.BestBid > 0 && ev.BestAsk > 0 {
		price = (ev.BestBid + ev.BestAsk) / 2
	}
	if price <= 0 {
		return errors.New("no usable price")
	}
	ts := time.Now().UTC()
	if ev.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, ev.Timestamp); err == nil {
			ts = t
		}
	}
	return f.cache.SetPrice(ctx, symbol, price, ts)
}
