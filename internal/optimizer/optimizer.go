// Package optimizer ranks opportunities by capital efficiency, decides which
// held positions should be rotated out to fund better ones, and sizes new
// positions with a fractional, tier-capped Kelly criterion.
package optimizer

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// Config holds the optimizer thresholds.
type Config struct {
	// OpportunityThreshold is the minimum expected return (percent) an
	// opportunity needs to be considered at all.
	OpportunityThreshold float64
	// RotationTrigger is the exit score above which a position becomes a
	// rotation candidate.
	RotationTrigger float64
	// RotationThreshold is the minimum ratio of new to held expected return.
	RotationThreshold float64
	// MinRotationGain is the minimum absolute return improvement in points.
	MinRotationGain float64
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		OpportunityThreshold: 5,
		RotationTrigger:      0.6,
		RotationThreshold:    3,
		MinRotationGain:      10,
	}
}

// OpportunityAnalysis pairs an opportunity with its rotation priority.
type OpportunityAnalysis struct {
	Signal           domain.OpportunitySignal
	RotationPriority float64
}

// ExitRecommendation asks for a held position to be closed to fund an entry.
type ExitRecommendation struct {
	PositionID   string
	Symbol       string
	ExitScore    float64
	FreedCapital float64
	ReplacedBy   string
	Reason       string
}

// EntryRecommendation asks for capital to be committed to an opportunity.
type EntryRecommendation struct {
	Signal      domain.OpportunitySignal
	Capital     float64
	Priority    float64
	RotatedFrom string // empty when funded from free capital
}

// Allocation is the result of one allocation pass.
type Allocation struct {
	Exits            []ExitRecommendation
	Entries          []EntryRecommendation
	RemainingCapital float64
	Reasoning        []string
}

// Optimizer is stateless between calls.
type Optimizer struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Optimizer.
func New(cfg Config, logger *slog.Logger) *Optimizer {
	return &Optimizer{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "optimizer")),
	}
}

// Config returns the optimizer thresholds.
func (o *Optimizer) Config() Config {
	return o.cfg
}

// RotationPriority is expected value per unit of required capital. It is 0
// when the opportunity cannot be ranked.
func (o *Optimizer) RotationPriority(opp domain.OpportunitySignal) float64 {
	if !finite(opp.ExpectedReturn, opp.WinProbability, opp.SignalStrength, opp.RequiredCapital) {
		return 0
	}
	if opp.RequiredCapital <= 0 {
		return 0
	}
	p := opp.ExpectedReturn * opp.WinProbability * opp.SignalStrength / opp.RequiredCapital
	if !finite(p) {
		return 0
	}
	return p
}

// AnalyzeOpportunities filters out opportunities below the return floor and
// returns the rest ordered by rotation priority, highest first.
func (o *Optimizer) AnalyzeOpportunities(opps []domain.OpportunitySignal) []OpportunityAnalysis {
	out := make([]OpportunityAnalysis, 0, len(opps))
	for _, opp := range opps {
		if !finite(opp.ExpectedReturn) || opp.ExpectedReturn < o.cfg.OpportunityThreshold {
			continue
		}
		out = append(out, OpportunityAnalysis{Signal: opp, RotationPriority: o.RotationPriority(opp)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RotationPriority > out[j].RotationPriority
	})
	return out
}

// AnalyzePositions scores every held position against bestReturn.
func (o *Optimizer) AnalyzePositions(positions []HeldPosition, bestReturn float64) []PositionAnalysis {
	out := make([]PositionAnalysis, 0, len(positions))
	for _, p := range positions {
		out = append(out, o.ExitScore(p, bestReturn))
	}
	return out
}

// RotationCandidates returns the analyses eligible for rotation, ordered by
// exit score, highest first. Overridden positions never qualify.
func RotationCandidates(analyses []PositionAnalysis) []PositionAnalysis {
	var out []PositionAnalysis
	for _, a := range analyses {
		if a.RotationCandidate && !a.Overridden {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExitScore > out[j].ExitScore
	})
	return out
}

// OptimizeCapitalAllocation decides which opportunities to fund directly and
// which to fund by rotating out of held positions. An empty allocation is a
// normal outcome.
func (o *Optimizer) OptimizeCapitalAllocation(
	positions []HeldPosition,
	opps []domain.OpportunitySignal,
	available, total float64,
) Allocation {
	ranked := o.AnalyzeOpportunities(opps)
	best := 0.0
	for _, r := range ranked {
		best = math.Max(best, r.Signal.ExpectedReturn)
	}
	candidates := RotationCandidates(o.AnalyzePositions(positions, best))
	return o.allocate(ranked, candidates, available, total)
}

func (o *Optimizer) allocate(ranked []OpportunityAnalysis, candidates []PositionAnalysis, available, total float64) Allocation {
	available = capAvailable(available, total)

	var alloc Allocation
	used := make(map[string]bool, len(candidates))

	for _, r := range ranked {
		opp := r.Signal
		req := opp.RequiredCapital
		if r.RotationPriority <= 0 || req <= 0 {
			alloc.Reasoning = append(alloc.Reasoning, fmt.Sprintf("%s: unrankable, skipped", opp.Symbol))
			continue
		}

		if available >= req {
			available -= req
			alloc.Entries = append(alloc.Entries, EntryRecommendation{
				Signal:   opp,
				Capital:  req,
				Priority: r.RotationPriority,
			})
			alloc.Reasoning = append(alloc.Reasoning,
				fmt.Sprintf("%s: funded %.2f from free capital", opp.Symbol, req))
			continue
		}

		cand, ok := o.pickRotation(opp, candidates, used)
		if !ok {
			alloc.Reasoning = append(alloc.Reasoning,
				fmt.Sprintf("%s: needs %.2f, no free capital or eligible rotation", opp.Symbol, req))
			continue
		}
		used[cand.Position.PositionID] = true

		alloc.Exits = append(alloc.Exits, ExitRecommendation{
			PositionID:   cand.Position.PositionID,
			Symbol:       cand.Position.Symbol,
			ExitScore:    cand.ExitScore,
			FreedCapital: cand.Position.CurrentValue,
			ReplacedBy:   opp.Symbol,
			Reason:       fmt.Sprintf("rotate into %s (exit score %.2f)", opp.Symbol, cand.ExitScore),
		})
		alloc.Entries = append(alloc.Entries, EntryRecommendation{
			Signal:      opp,
			Capital:     req,
			Priority:    r.RotationPriority,
			RotatedFrom: cand.Position.PositionID,
		})
		available = capAvailable(available+cand.Position.CurrentValue-req, total)
		alloc.Reasoning = append(alloc.Reasoning,
			fmt.Sprintf("%s: rotated out of %s (%s)", opp.Symbol, cand.Position.Symbol, cand.Position.PositionID))
	}

	alloc.RemainingCapital = available
	o.logger.Debug("optimizer: allocation computed",
		slog.Int("entries", len(alloc.Entries)),
		slog.Int("exits", len(alloc.Exits)),
		slog.Float64("remaining", available),
	)
	return alloc
}

// pickRotation returns the first unused candidate passing all three rotation
// guards for opp.
func (o *Optimizer) pickRotation(opp domain.OpportunitySignal, candidates []PositionAnalysis, used map[string]bool) (PositionAnalysis, bool) {
	for _, c := range candidates {
		if used[c.Position.PositionID] {
			continue
		}
		if o.rotationAllowed(opp, c.Position) {
			return c, true
		}
	}
	return PositionAnalysis{}, false
}

func (o *Optimizer) rotationAllowed(opp domain.OpportunitySignal, held HeldPosition) bool {
	var efficiencyGain float64
	switch {
	case held.ExpectedReturn > 0:
		efficiencyGain = opp.ExpectedReturn / held.ExpectedReturn
	case opp.ExpectedReturn > 0:
		efficiencyGain = math.Inf(1)
	}
	rotationGain := opp.ExpectedReturn - held.ActualReturn

	return efficiencyGain >= o.cfg.RotationThreshold &&
		rotationGain >= o.cfg.MinRotationGain &&
		held.CurrentValue >= opp.RequiredCapital
}

func capAvailable(available, total float64) float64 {
	if available > total {
		available = total
	}
	if available < 0 || math.IsNaN(available) {
		return 0
	}
	return available
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
