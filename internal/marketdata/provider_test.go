package marketdata

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

type stubCache struct {
	prices map[string]float64
	times  map[string]time.Time
	err    error
}

func (s *stubCache) SetPrice(context.Context, string, float64, time.Time) error { return nil }

func (s *stubCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	if s.err != nil {
		return 0, time.Time{}, s.err
	}
	p, ok := s.prices[symbol]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, s.times[symbol], nil
}

func (s *stubCache) GetPrices(context.Context, []string) (map[string]float64, error) {
	return s.prices, nil
}

func TestCachedProvider_GetPrice(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	cache := &stubCache{
		prices: map[string]float64{"FRESH": 101.5, "STALE": 99, "ZERO": 0},
		times: map[string]time.Time{
			"FRESH": now.Add(-5 * time.Second),
			"STALE": now.Add(-2 * time.Minute),
			"ZERO":  now,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewCachedProvider(cache, Config{TTL: 30 * time.Second}, logger)
	p.now = func() time.Time { return now }

	tests := []struct {
		symbol string
		want   float64
		ok     bool
	}{
		{"FRESH", 101.5, true},
		{"STALE", 0, false},
		{"ZERO", 0, false},
		{"MISSING", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			got, ok := p.GetPrice(context.Background(), tt.symbol)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCachedProvider_CacheErrorIsNoData(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewCachedProvider(&stubCache{err: errors.New("connection reset")}, Config{}, logger)

	_, ok := p.GetPrice(context.Background(), "BTCUSDT")
	assert.False(t, ok)
}

func TestCachedProvider_CancelledWhilePaced(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := &stubCache{prices: map[string]float64{"A": 1}, times: map[string]time.Time{"A": time.Now()}}
	p := NewCachedProvider(cache, Config{RatePerSec: 1, Burst: 1}, logger)

	_, ok := p.GetPrice(context.Background(), "A")
	assert.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok = p.GetPrice(ctx, "A")
	assert.False(t, ok)
}
