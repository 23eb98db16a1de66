package conviction

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// historyLimit bounds the per-symbol conviction history.
const historyLimit = 50

// Weights are the blend weights of the five sub-scores. They always sum to 1.
type Weights struct {
	Opportunity float64 `json:"opportunity"`
	Market      float64 `json:"market"`
	System      float64 `json:"system"`
	Performance float64 `json:"performance"`
	Learning    float64 `json:"learning"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.Opportunity + w.Market + w.System + w.Performance + w.Learning
}

// Scores are the five sub-scores, each in [0,1].
type Scores struct {
	Opportunity float64 `json:"opportunity"`
	Market      float64 `json:"market"`
	System      float64 `json:"system"`
	Performance float64 `json:"performance"`
	Learning    float64 `json:"learning"`
}

// Result is the outcome of one conviction calculation.
type Result struct {
	Symbol              string  `json:"symbol"`
	Conviction          float64 `json:"conviction"`
	ExecutionThreshold  float64 `json:"execution_threshold"`
	PositionSizePercent float64 `json:"position_size_percent"`
	UrgencyScore        float64 `json:"urgency_score"`
	ShouldExecute       bool    `json:"should_execute"`
	Scores              Scores  `json:"scores"`
	Weights             Weights `json:"weights"`
	Reasoning           string  `json:"reasoning"`
}

var baseWeights = Weights{
	Opportunity: 0.30,
	Market:      0.15,
	System:      0.25,
	Performance: 0.15,
	Learning:    0.15,
}

// Calculator evaluates conviction and keeps a bounded conviction history per
// symbol. It is safe for concurrent use.
type Calculator struct {
	mu      sync.Mutex
	history map[string][]float64
}

// NewCalculator returns an empty Calculator.
func NewCalculator() *Calculator {
	return &Calculator{history: make(map[string][]float64)}
}

// Calculate evaluates f against the current history of symbol and then
// appends the resulting conviction to that history.
func (c *Calculator) Calculate(symbol string, f Factors) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := Evaluate(f, c.history[symbol])
	res.Symbol = symbol

	h := append(c.history[symbol], res.Conviction)
	if len(h) > historyLimit {
		h = append([]float64(nil), h[len(h)-historyLimit:]...)
	}
	c.history[symbol] = h
	return res
}

// History returns a copy of the conviction history for symbol, oldest first.
func (c *Calculator) History(symbol string) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.history[symbol]...)
}

// Evaluate is the pure conviction function. history is read, never modified.
func Evaluate(f Factors, history []float64) Result {
	scores := Scores{
		Opportunity: opportunityScore(f.Opportunity),
		Market:      marketScore(f.Market),
		System:      systemScore(f.System),
		Performance: performanceScore(f.Performance),
		Learning:    learningScore(f.Learning),
	}
	w := weightsFor(f)

	conv := clamp01(scores.Opportunity*w.Opportunity +
		scores.Market*w.Market +
		scores.System*w.System +
		scores.Performance*w.Performance +
		scores.Learning*w.Learning)

	er := f.Opportunity.ExpectedReturn

	threshold := 0.5 - 0.4*conv
	switch {
	case er >= 100:
		threshold *= 0.5
	case er >= 50:
		threshold *= 0.7
	}
	if scores.Market > 0.6 {
		threshold *= 0.8
	}
	threshold = clamp(threshold, 0.05, 0.5)

	size := 0.02 + 0.18*conv
	if er >= 100 && conv > 0.8 {
		size *= 1.5
	}
	if er >= 50 && conv > 0.7 {
		size *= 1.5
	}
	size = math.Min(size, 0.5)

	urgency := conv
	if f.Market.Volatility > 0.30 {
		urgency += 0.10
	}
	if f.Market.VolumeRatio >= 1.5 {
		urgency += 0.10
	}
	if len(history) > 0 && conv > mean(history)+0.10 {
		urgency += 0.05
	}
	urgency = clamp01(urgency)

	res := Result{
		Conviction:          conv,
		ExecutionThreshold:  threshold,
		PositionSizePercent: size,
		UrgencyScore:        urgency,
		ShouldExecute:       conv >= threshold,
		Scores:              scores,
		Weights:             w,
	}
	res.Reasoning = reasoning(res)
	return res
}

func opportunityScore(o OpportunityFactors) float64 {
	er := math.Max(o.ExpectedReturn, 0)
	wp := clamp(o.WinProbability, 0, 100)
	s := (1 - math.Exp(-er/40)) * (0.4 + 0.6*wp/100)
	switch {
	case o.RiskReward >= 3:
		s *= 1.20
	case o.RiskReward >= 2:
		s *= 1.10
	}
	return clamp01(s)
}

func marketScore(m MarketFactors) float64 {
	s := 0.5
	switch {
	case m.Trend > 0.2:
		s += 0.15
	case m.Trend < -0.2:
		s -= 0.15
	}
	switch {
	case m.Volatility > 0.60:
		s -= 0.15
	case m.Volatility >= 0.10 && m.Volatility <= 0.30:
		s += 0.10
	case m.Volatility < 0.05:
		s -= 0.10
	}
	if m.VolumeRatio >= 1.5 {
		s += 0.10
	}
	return clamp01(s)
}

func systemScore(s SystemFactors) float64 {
	ai := clamp01(s.AIConfidence)
	learn := clamp01(s.LearningConfidence)
	acc := clamp01(s.HistoricalAccuracy)
	return clamp01((0.6*ai + 0.4*learn) * (0.5 + 0.5*acc))
}

func performanceScore(p PerformanceFactors) float64 {
	if p.Samples == 0 {
		return 0.5
	}
	s := clamp01(p.RecentWinRate)
	switch {
	case p.WinStreak > 5:
		s *= 1.30
	case p.WinStreak > 3:
		s *= 1.15
	}
	switch {
	case p.LossStreak > 3:
		s *= 0.70
	case p.LossStreak > 1:
		s *= 0.85
	}
	return clamp01(s)
}

func learningScore(l LearningFactors) float64 {
	confidence := math.Min(1, float64(l.Samples)/50)
	s := 0.5 + (clamp01(l.PatternAccuracy)-0.5)*confidence
	switch {
	case l.AvgProfit > 0:
		s += 0.10
	case l.AvgProfit < 0:
		s -= 0.10
	}
	return clamp01(s)
}

func weightsFor(f Factors) Weights {
	w := baseWeights
	if f.Performance.WinStreak > 3 || f.Performance.LossStreak > 3 {
		w.Performance += 0.10
	}
	total := w.Sum()
	w = Weights{
		Opportunity: w.Opportunity / total,
		Market:      w.Market / total,
		System:      w.System / total,
		Performance: w.Performance / total,
		Learning:    w.Learning / total,
	}

	var pinned float64
	switch er := f.Opportunity.ExpectedReturn; {
	case er >= 100:
		pinned = 0.6
	case er >= 50:
		pinned = 0.5
	default:
		return w
	}
	rest := w.Sum() - w.Opportunity
	scale := (1 - pinned) / rest
	return Weights{
		Opportunity: pinned,
		Market:      w.Market * scale,
		System:      w.System * scale,
		Performance: w.Performance * scale,
		Learning:    w.Learning * scale,
	}
}

func reasoning(r Result) string {
	parts := []string{
		grade(r.Scores.Opportunity) + " opportunity",
		grade(r.Scores.Market) + " market",
		grade(r.Scores.System) + " system confidence",
		grade(r.Scores.Performance) + " recent performance",
		grade(r.Scores.Learning) + " learned pattern",
	}
	verdict := "skip"
	if r.ShouldExecute {
		verdict = "execute"
	}
	return fmt.Sprintf("conviction %.2f vs threshold %.2f (%s): %s",
		r.Conviction, r.ExecutionThreshold, verdict, strings.Join(parts, ", "))
}

func grade(s float64) string {
	switch {
	case s >= 0.7:
		return "strong"
	case s >= 0.4:
		return "moderate"
	default:
		return "weak"
	}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}
