package optimizer

import (
	"math"
	"time"
)

// HeldPosition is the optimizer's per-cycle view of an open position. It is
// built fresh every cycle and never cached.
type HeldPosition struct {
	PositionID           string
	Symbol               string
	ExpectedReturn       float64 // percent, from entry metadata
	ActualReturn         float64 // percent, mark-to-market
	CurrentValue         float64
	HoldingPeriod        time.Duration
	RecentVelocity       float64 // percent per day, negative when falling
	HistoricalVolatility float64
	AIConfidence         float64
	MathematicalProof    float64
}

// ExitComponents are the weighted inputs of an exit score, each in [0,1].
type ExitComponents struct {
	OpportunityCost       float64 `json:"opportunity_cost"`
	Time                  float64 `json:"time"`
	MomentumDeterioration float64 `json:"momentum_deterioration"`
	Underperformance      float64 `json:"underperformance"`
	ConvictionReduction   float64 `json:"conviction_reduction"`
}

// PositionAnalysis is the exit assessment of one held position.
type PositionAnalysis struct {
	Position          HeldPosition
	ExitScore         float64
	Components        ExitComponents
	Overridden        bool
	RotationCandidate bool
}

const (
	weightOpportunityCost = 0.30
	weightTime            = 0.15
	weightMomentum        = 0.20
	weightUnderperform    = 0.20
	weightConviction      = 0.15

	overrideAIConfidence = 0.80
	overrideProof        = 0.90
)

// ExitScore scores the pressure to exit pos given the best expected return
// currently on offer.
func (o *Optimizer) ExitScore(pos HeldPosition, bestReturn float64) PositionAnalysis {
	c := ExitComponents{
		OpportunityCost:       clamp01((bestReturn - pos.ExpectedReturn) / 100),
		Time:                  timeFactor(pos.HoldingPeriod),
		MomentumDeterioration: momentumFactor(pos.RecentVelocity, pos.HistoricalVolatility),
		Underperformance:      underperformance(pos.ExpectedReturn, pos.ActualReturn),
		ConvictionReduction:   clamp01(1 - clamp01(pos.AIConfidence)*clamp01(pos.MathematicalProof)),
	}
	score := clamp01(c.OpportunityCost*weightOpportunityCost +
		c.Time*weightTime +
		c.MomentumDeterioration*weightMomentum +
		c.Underperformance*weightUnderperform +
		c.ConvictionReduction*weightConviction)

	a := PositionAnalysis{
		Position:   pos,
		ExitScore:  score,
		Components: c,
		Overridden: pos.AIConfidence > overrideAIConfidence && pos.MathematicalProof > overrideProof,
	}
	a.RotationCandidate = o.isCandidate(a)
	return a
}

func (o *Optimizer) isCandidate(a PositionAnalysis) bool {
	return !a.Overridden && a.ExitScore > o.cfg.RotationTrigger
}

func timeFactor(held time.Duration) float64 {
	days := held.Hours() / 24
	if days <= 0 {
		return 0
	}
	if days <= 7 {
		return days / 7 * 0.3
	}
	return clamp01(0.3 + 0.7*math.Pow((days-7)/7, 1.5))
}

func momentumFactor(velocity, histVol float64) float64 {
	if velocity >= 0 {
		return 0
	}
	return clamp01(-velocity / math.Max(histVol, 0.01))
}

func underperformance(expected, actual float64) float64 {
	if actual < 0 {
		return clamp01(-actual / 20)
	}
	if expected > 0 && actual < expected {
		return clamp01(0.5 * (expected - actual) / expected)
	}
	return 0
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
