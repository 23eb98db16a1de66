package optimizer

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

const (
	kellyScale  = 0.25
	kellyFloor  = 0.01
	tierCapHigh = 0.35
	tierCapMid  = 0.25
	tierCapBase = 0.15
)

// TierCap returns the Kelly ceiling for a win probability (0-1) and expected
// return (percent).
func TierCap(p, expectedReturn float64) float64 {
	switch {
	case p > 0.8 && expectedReturn > 20:
		return tierCapHigh
	case p > 0.6 && expectedReturn > 15:
		return tierCapMid
	default:
		return tierCapBase
	}
}

// OptimalPositionSize sizes opp with quarter Kelly capped by tier and, when
// positive, by riskTolerance. The result always lies in
// [total*0.01, total*tierCap]. Non-finite or non-positive inputs yield
// domain.ErrCannotSize.
func (o *Optimizer) OptimalPositionSize(opp domain.OpportunitySignal, total, riskTolerance float64) (float64, error) {
	er := opp.ExpectedReturn
	p := opp.WinProbability / 100
	if !finite(er, p, total, riskTolerance) || er <= 0 || p <= 0 || p > 1 || total <= 0 {
		return 0, fmt.Errorf("optimizer: size %s: %w", opp.Symbol, domain.ErrCannotSize)
	}

	f := (p*(1+er) - 1) / er * kellyScale
	ceiling := TierCap(p, er)
	if riskTolerance > 0 {
		ceiling = math.Min(ceiling, riskTolerance)
	}
	frac := math.Max(math.Min(f, ceiling), kellyFloor)

	size := total * frac
	if !finite(size) || size <= 0 {
		return 0, fmt.Errorf("optimizer: size %s: %w", opp.Symbol, domain.ErrCannotSize)
	}
	return size, nil
}
