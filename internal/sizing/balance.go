package sizing

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// BalanceConfig bounds the balance-based fallback sizer. Fractions are of the
// free balance.
type BalanceConfig struct {
	BaseFraction float64
	MinFraction  float64
	MaxFraction  float64
}

// DefaultBalanceConfig returns the stock fallback fractions.
func DefaultBalanceConfig() BalanceConfig {
	return BalanceConfig{BaseFraction: 0.02, MinFraction: 0.005, MaxFraction: 0.10}
}

var stableQuotes = []string{"USDT", "USDC", "USD"}

// BalanceSizer sizes from the free balance alone. It is the fallback when
// the primary sizer cannot answer.
type BalanceSizer struct {
	cfg BalanceConfig
}

// NewBalanceSizer creates a BalanceSizer.
func NewBalanceSizer(cfg BalanceConfig) *BalanceSizer {
	return &BalanceSizer{cfg: cfg}
}

func (b *BalanceSizer) Name() string { return "balance" }

// Size applies the confidence tier and symbol-class boosts to the base
// fraction and clamps the result to the configured bounds.
func (b *BalanceSizer) Size(_ context.Context, req Request) (float64, error) {
	bal := req.Balance
	if math.IsNaN(bal) || math.IsInf(bal, 0) || bal <= 0 {
		return 0, fmt.Errorf("balance sizer: balance %v: %w", bal, domain.ErrCannotSize)
	}

	size := bal * b.cfg.BaseFraction

	switch conf := req.Signal.Confidence; {
	case conf >= 0.8:
		size *= 1.5
	case conf >= 0.6:
	default:
		size *= 0.5
	}

	if req.Price > 0 && req.Price < 1 {
		size *= 1.2
	}
	sym := strings.ToUpper(req.Signal.Symbol)
	for _, q := range stableQuotes {
		if strings.HasSuffix(sym, q) {
			size *= 1.1
			break
		}
	}

	lo, hi := bal*b.cfg.MinFraction, bal*b.cfg.MaxFraction
	return math.Max(lo, math.Min(hi, size)), nil
}
