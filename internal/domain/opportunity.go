package domain

import "time"

// MarketState summarises the market around a symbol at scoring time.
type MarketState struct {
	Volatility  float64 `json:"volatility"`   // annualised fraction, e.g. 0.2
	Trend       float64 `json:"trend"`        // -1 (bearish) .. 1 (bullish)
	VolumeRatio float64 `json:"volume_ratio"` // current / average volume
}

// OpportunitySignal is a scored opportunity emitted by the upstream scorer.
type OpportunitySignal struct {
	Symbol          string  `json:"symbol"`
	ExpectedReturn  float64 `json:"expected_return"` // percent
	WinProbability  float64 `json:"win_probability"` // 0-100
	Confidence      float64 `json:"confidence"`      // 0-1
	SignalStrength  float64 `json:"signal_strength"`
	RequiredCapital float64 `json:"required_capital"` // quote currency

	// Optional context. Zero values mean "not provided".
	Side               PositionSide `json:"side,omitempty"`
	RiskReward         float64      `json:"risk_reward,omitempty"`
	LearningConfidence float64      `json:"learning_confidence,omitempty"`
	HistoricalAccuracy float64      `json:"historical_accuracy,omitempty"`
	MathematicalProof  float64      `json:"mathematical_proof,omitempty"`
	PredictedMove      float64      `json:"predicted_move,omitempty"`
	Sources            []string     `json:"sources,omitempty"`
	Market             MarketState  `json:"market"`
	ScoredAt           time.Time    `json:"scored_at"`
}

// PositionSide returns the requested side, defaulting to long.
func (o OpportunitySignal) PositionSide() PositionSide {
	if o.Side.Valid() {
		return o.Side
	}
	return PositionSideLong
}
