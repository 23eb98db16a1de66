// Package conviction scores how strongly the engine believes in an
// opportunity and derives the dynamic execution threshold, size and urgency
// from that belief.
package conviction

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// OpportunityFactors describe the opportunity itself.
type OpportunityFactors struct {
	ExpectedReturn float64 // percent
	WinProbability float64 // 0-100
	RiskReward     float64
}

// MarketFactors describe the market around the symbol.
type MarketFactors struct {
	Volatility  float64
	Trend       float64
	VolumeRatio float64
}

// SystemFactors describe the upstream models' own confidence.
type SystemFactors struct {
	AIConfidence       float64
	LearningConfidence float64
	HistoricalAccuracy float64
}

// PerformanceFactors summarise recent realised outcomes.
type PerformanceFactors struct {
	RecentWinRate float64
	WinStreak     int
	LossStreak    int
	Samples       int
}

// LearningFactors summarise realised outcomes for one symbol.
type LearningFactors struct {
	PatternAccuracy float64
	Samples         int
	AvgProfit       float64
}

// Factors is the full input to a conviction calculation.
type Factors struct {
	Opportunity OpportunityFactors
	Market      MarketFactors
	System      SystemFactors
	Performance PerformanceFactors
	Learning    LearningFactors
}

// FromSignal builds factors for sig using the supplied memory snapshots.
func FromSignal(sig domain.OpportunitySignal, perf PerformanceFactors, learn LearningFactors) Factors {
	return Factors{
		Opportunity: OpportunityFactors{
			ExpectedReturn: sig.ExpectedReturn,
			WinProbability: sig.WinProbability,
			RiskReward:     sig.RiskReward,
		},
		Market: MarketFactors{
			Volatility:  sig.Market.Volatility,
			Trend:       sig.Market.Trend,
			VolumeRatio: sig.Market.VolumeRatio,
		},
		System: SystemFactors{
			AIConfidence:       sig.Confidence,
			LearningConfidence: sig.LearningConfidence,
			HistoricalAccuracy: sig.HistoricalAccuracy,
		},
		Performance: perf,
		Learning:    learn,
	}
}

// Validate rejects factors containing NaN or infinite values, negative
// streaks or negative sample counts.
func (f Factors) Validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"expected_return", f.Opportunity.ExpectedReturn},
		{"win_probability", f.Opportunity.WinProbability},
		{"risk_reward", f.Opportunity.RiskReward},
		{"volatility", f.Market.Volatility},
		{"trend", f.Market.Trend},
		{"volume_ratio", f.Market.VolumeRatio},
		{"ai_confidence", f.System.AIConfidence},
		{"learning_confidence", f.System.LearningConfidence},
		{"historical_accuracy", f.System.HistoricalAccuracy},
		{"recent_win_rate", f.Performance.RecentWinRate},
		{"pattern_accuracy", f.Learning.PatternAccuracy},
		{"avg_profit", f.Learning.AvgProfit},
	}
	for _, fld := range fields {
		if math.IsNaN(fld.v) || math.IsInf(fld.v, 0) {
			return fmt.Errorf("conviction: %s is not finite", fld.name)
		}
	}
	if f.Performance.WinStreak < 0 || f.Performance.LossStreak < 0 {
		return fmt.Errorf("conviction: negative streak")
	}
	if f.Performance.Samples < 0 || f.Learning.Samples < 0 {
		return fmt.Errorf("conviction: negative sample count")
	}
	return nil
}
