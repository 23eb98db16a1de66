package coordinator

import "github.com/alanyoungcy/capitalbot/internal/domain"

// Regime is the coarse market state applied to a whole plan.
type Regime string

const (
	RegimeBull     Regime = "bull"
	RegimeBear     Regime = "bear"
	RegimeVolatile Regime = "volatile"
	RegimeNeutral  Regime = "neutral"
)

// DetectRegime derives the regime from the average market state of the
// cycle's opportunities. Volatility dominates trend.
func DetectRegime(opps []domain.OpportunitySignal) Regime {
	if len(opps) == 0 {
		return RegimeNeutral
	}
	var vol, trend float64
	for _, o := range opps {
		vol += o.Market.Volatility
		trend += o.Market.Trend
	}
	n := float64(len(opps))
	vol /= n
	trend /= n

	switch {
	case vol > 0.5:
		return RegimeVolatile
	case trend < -0.3:
		return RegimeBear
	case trend > 0.3:
		return RegimeBull
	default:
		return RegimeNeutral
	}
}
