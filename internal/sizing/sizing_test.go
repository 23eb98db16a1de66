package sizing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/capitalbot/internal/domain"
	"github.com/alanyoungcy/capitalbot/internal/optimizer"
)

type fixedSizer struct {
	name string
	size float64
	err  error
}

func (f fixedSizer) Name() string { return f.name }

func (f fixedSizer) Size(context.Context, Request) (float64, error) { return f.size, f.err }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestChain_FirstUsableWins(t *testing.T) {
	c := NewChain(discard(),
		fixedSizer{name: "broken", err: errors.New("boom")},
		fixedSizer{name: "nan", size: math.NaN()},
		fixedSizer{name: "negative", size: -3},
		fixedSizer{name: "good", size: 42},
		fixedSizer{name: "later", size: 7},
	)
	size, name, err := c.Size(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 42.0, size)
	assert.Equal(t, "good", name)
}

func TestChain_NothingUsable(t *testing.T) {
	c := NewChain(discard(), fixedSizer{name: "zero"})
	_, _, err := c.Size(context.Background(), Request{Signal: domain.OpportunitySignal{Symbol: "BTCUSD"}})
	assert.True(t, errors.Is(err, domain.ErrCannotSize))
}

func TestChain_FallsBackFromKelly(t *testing.T) {
	opt := optimizer.New(optimizer.DefaultConfig(), discard())
	c := NewChain(discard(), NewKellySizer(opt), NewBalanceSizer(DefaultBalanceConfig()))

	req := Request{
		Signal:  domain.OpportunitySignal{Symbol: "ETHBTC", ExpectedReturn: 0, WinProbability: 60, Confidence: 0.7},
		Balance: 1000,
	}
	size, name, err := c.Size(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "balance", name)
	assert.InDelta(t, 20, size, 1e-9)
}

func TestBalanceSizer(t *testing.T) {
	s := NewBalanceSizer(DefaultBalanceConfig())
	tests := []struct {
		name string
		req  Request
		want float64
	}{
		{"high confidence", Request{Signal: domain.OpportunitySignal{Symbol: "ETHBTC", Confidence: 0.9}, Balance: 1000}, 30},
		{"mid confidence", Request{Signal: domain.OpportunitySignal{Symbol: "ETHBTC", Confidence: 0.6}, Balance: 1000}, 20},
		{"low confidence", Request{Signal: domain.OpportunitySignal{Symbol: "ETHBTC", Confidence: 0.2}, Balance: 1000}, 10},
		{"cheap stable quoted", Request{Signal: domain.OpportunitySignal{Symbol: "dogeusdt", Confidence: 0.6}, Price: 0.1, Balance: 1000}, 26.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Size(context.Background(), tt.req)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}

	_, err := s.Size(context.Background(), Request{Balance: 0})
	assert.True(t, errors.Is(err, domain.ErrCannotSize))
}

func TestBalanceSizer_Clamp(t *testing.T) {
	s := NewBalanceSizer(BalanceConfig{BaseFraction: 0.5, MinFraction: 0.01, MaxFraction: 0.1})
	got, err := s.Size(context.Background(), Request{Signal: domain.OpportunitySignal{Confidence: 0.9}, Balance: 100})
	require.NoError(t, err)
	assert.InDelta(t, 10, got, 1e-9)

	s = NewBalanceSizer(BalanceConfig{BaseFraction: 0.001, MinFraction: 0.01, MaxFraction: 0.1})
	got, err = s.Size(context.Background(), Request{Signal: domain.OpportunitySignal{Confidence: 0.9}, Balance: 100})
	require.NoError(t, err)
	assert.InDelta(t, 1, got, 1e-9)
}
