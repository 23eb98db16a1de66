// Package coordinator turns the cycle's opportunities and held positions into
// an ordered list of BUY, SELL and HOLD decisions that never commit more
// capital than is available.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/alanyoungcy/capitalbot/internal/conviction"
	"github.com/alanyoungcy/capitalbot/internal/domain"
	"github.com/alanyoungcy/capitalbot/internal/optimizer"
	"github.com/alanyoungcy/capitalbot/internal/sizing"
)

// Action is what the engine should do for one decision.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

func (a Action) rank() int {
	switch a {
	case ActionSell:
		return 0
	case ActionBuy:
		return 1
	default:
		return 2
	}
}

// Opportunity is a scored signal with its conviction inputs and last price.
type Opportunity struct {
	Signal  domain.OpportunitySignal
	Factors conviction.Factors
	Price   float64
}

// TradingContext is the input of one coordination pass.
type TradingContext struct {
	CurrentPositions []optimizer.HeldPosition
	NewOpportunities []Opportunity
	AvailableCapital float64
	TotalPortfolio   float64
	MarketRegime     Regime // detected from opportunities when empty
	RiskTolerance    float64
}

// Decision is one ordered instruction for the engine. Size is quote capital
// for BUY decisions.
type Decision struct {
	Action       Action                    `json:"action"`
	Symbol       string                    `json:"symbol"`
	PositionID   string                    `json:"position_id,omitempty"`
	Side         domain.PositionSide       `json:"side,omitempty"`
	Size         float64                   `json:"size"`
	Priority     float64                   `json:"priority"`
	Conviction   float64                   `json:"conviction"`
	Reason       string                    `json:"reason"`
	RotatedFrom  string                    `json:"rotated_from,omitempty"`
	FreedCapital float64                   `json:"freed_capital,omitempty"`
	Signal       *domain.OpportunitySignal `json:"-"`
}

// Plan is the coordinator's output.
type Plan struct {
	Decisions       []Decision `json:"decisions"`
	EfficiencyRatio float64    `json:"efficiency_ratio"`
	Regime          Regime     `json:"regime"`
	Reasoning       []string   `json:"reasoning"`
}

// Buys returns the BUY decisions in plan order.
func (p Plan) Buys() []Decision { return p.filter(ActionBuy) }

// Sells returns the SELL decisions in plan order.
func (p Plan) Sells() []Decision { return p.filter(ActionSell) }

func (p Plan) filter(a Action) []Decision {
	var out []Decision
	for _, d := range p.Decisions {
		if d.Action == a {
			out = append(out, d)
		}
	}
	return out
}

// Config holds the coordinator limits.
type Config struct {
	MaxPositions    int
	MinPositionSize float64
	BearReturnFloor float64 // percent
	VolatileScale   float64
	BullScale       float64
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{
		MaxPositions:    10,
		MinPositionSize: 10,
		BearReturnFloor: 30,
		VolatileScale:   0.75,
		BullScale:       1.2,
	}
}

// Coordinator owns the conviction calculator, optimizer and sizer chain for
// the process.
type Coordinator struct {
	calc   *conviction.Calculator
	memory *conviction.Memory
	opt    *optimizer.Optimizer
	sizer  *sizing.Chain
	cfg    Config
	logger *slog.Logger
}

// New creates a Coordinator.
func New(
	calc *conviction.Calculator,
	memory *conviction.Memory,
	opt *optimizer.Optimizer,
	sizer *sizing.Chain,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		calc:   calc,
		memory: memory,
		opt:    opt,
		sizer:  sizer,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "coordinator")),
	}
}

type candidate struct {
	opp      Opportunity
	res      conviction.Result
	priority float64
}

// CoordinateTrading builds the ordered plan for one cycle.
func (c *Coordinator) CoordinateTrading(ctx context.Context, tc TradingContext) (Plan, error) {
	if err := ctx.Err(); err != nil {
		return Plan{}, fmt.Errorf("coordinator: %w", err)
	}
	total := tc.TotalPortfolio
	if math.IsNaN(total) || math.IsInf(total, 0) || total <= 0 {
		return Plan{}, fmt.Errorf("coordinator: total portfolio %v: %w", total, domain.ErrCannotSize)
	}

	var plan Plan
	plan.Regime = tc.MarketRegime
	if plan.Regime == "" {
		signals := make([]domain.OpportunitySignal, 0, len(tc.NewOpportunities))
		for _, o := range tc.NewOpportunities {
			signals = append(signals, o.Signal)
		}
		plan.Regime = DetectRegime(signals)
	}

	// Conviction gate.
	var approved []candidate
	for _, o := range tc.NewOpportunities {
		sig := o.Signal
		if err := o.Factors.Validate(); err != nil {
			plan.hold(sig, 0, 0, "invalid factors: "+err.Error())
			continue
		}
		res := c.calc.Calculate(sig.Symbol, o.Factors)
		prio := c.opt.RotationPriority(sig)
		if !res.ShouldExecute {
			plan.hold(sig, prio, res.Conviction, res.Reasoning)
			continue
		}
		approved = append(approved, candidate{opp: o, res: res, priority: prio})
	}

	plan.EfficiencyRatio = efficiencyRatio(approved, tc.CurrentPositions)
	c.logger.DebugContext(ctx, "coordinator: efficiency ratio",
		slog.Float64("ratio", plan.EfficiencyRatio),
		slog.Int("approved", len(approved)),
	)

	// Floor filter and ranking.
	floor := c.opt.Config().OpportunityThreshold
	ranked := approved[:0:0]
	for _, cand := range approved {
		if cand.opp.Signal.ExpectedReturn < floor {
			plan.hold(cand.opp.Signal, cand.priority, cand.res.Conviction,
				fmt.Sprintf("expected return %.2f below floor %.2f", cand.opp.Signal.ExpectedReturn, floor))
			continue
		}
		ranked = append(ranked, cand)
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].priority > ranked[j].priority })
	if c.cfg.MaxPositions > 0 && len(ranked) > c.cfg.MaxPositions {
		for _, cand := range ranked[c.cfg.MaxPositions:] {
			plan.hold(cand.opp.Signal, cand.priority, cand.res.Conviction, "ranked below max positions")
		}
		ranked = ranked[:c.cfg.MaxPositions]
	}

	available := math.Max(0, math.Min(tc.AvailableCapital, total))
	startAvailable := available
	multiplier := 1.0
	if c.memory != nil {
		multiplier = c.memory.SizingMultiplier()
	}
	if multiplier == 0 {
		for _, cand := range ranked {
			plan.hold(cand.opp.Signal, cand.priority, cand.res.Conviction, "new entries halted after losing streak")
		}
		plan.Reasoning = append(plan.Reasoning, "loss streak halt: no new entries")
		ranked = nil
	}

	freeSlots := math.MaxInt
	if c.cfg.MaxPositions > 0 {
		freeSlots = max(c.cfg.MaxPositions-len(tc.CurrentPositions), 0)
	}

	// Deploy free capital.
	var unfunded []candidate
	for _, cand := range ranked {
		sig := cand.opp.Signal
		if freeSlots == 0 || available < c.cfg.MinPositionSize {
			unfunded = append(unfunded, cand)
			continue
		}
		size, sizer, err := c.sizer.Size(ctx, sizing.Request{
			Signal:         sig,
			Price:          cand.opp.Price,
			Balance:        available,
			TotalPortfolio: total,
			RiskTolerance:  tc.RiskTolerance,
		})
		if err != nil {
			plan.hold(sig, cand.priority, cand.res.Conviction, "cannot size: "+err.Error())
			continue
		}
		size = math.Min(size, cand.res.PositionSizePercent*total) * multiplier
		size = math.Min(size, available)
		if size < c.cfg.MinPositionSize {
			unfunded = append(unfunded, cand)
			continue
		}
		available -= size
		freeSlots--
		plan.Decisions = append(plan.Decisions, Decision{
			Action:     ActionBuy,
			Symbol:     sig.Symbol,
			Side:       sig.PositionSide(),
			Size:       size,
			Priority:   cand.priority,
			Conviction: cand.res.Conviction,
			Reason:     fmt.Sprintf("funded by %s sizer; %s", sizer, cand.res.Reasoning),
			Signal:     signalPtr(sig),
		})
	}

	// Rotation for the rest.
	if len(unfunded) > 0 {
		c.rotate(&plan, unfunded, tc.CurrentPositions, total, multiplier)
	}

	c.applyRegime(&plan)
	c.clamp(&plan, total, tc.RiskTolerance)
	c.conserve(&plan, startAvailable)

	sort.SliceStable(plan.Decisions, func(i, j int) bool {
		a, b := plan.Decisions[i], plan.Decisions[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Action.rank() < b.Action.rank()
	})

	c.logger.InfoContext(ctx, "coordinator: plan ready",
		slog.String("regime", string(plan.Regime)),
		slog.Int("buys", len(plan.Buys())),
		slog.Int("sells", len(plan.Sells())),
		slog.Int("decisions", len(plan.Decisions)),
	)
	return plan, nil
}

func (c *Coordinator) rotate(plan *Plan, unfunded []candidate, held []optimizer.HeldPosition, total, multiplier float64) {
	signals := make([]domain.OpportunitySignal, 0, len(unfunded))
	for _, u := range unfunded {
		signals = append(signals, u.opp.Signal)
	}

	alloc := c.opt.OptimizeCapitalAllocation(held, signals, 0, total)
	plan.Reasoning = append(plan.Reasoning, alloc.Reasoning...)

	exits := make(map[string]optimizer.ExitRecommendation, len(alloc.Exits))
	for _, e := range alloc.Exits {
		exits[e.PositionID] = e
	}
	// Entries carry only the signal, so match them back to candidates by
	// symbol and priority. Each candidate is used at most once.
	used := make([]bool, len(unfunded))
	match := func(sig domain.OpportunitySignal, priority float64) int {
		first := -1
		for i, u := range unfunded {
			if used[i] || u.opp.Signal.Symbol != sig.Symbol {
				continue
			}
			if u.priority == priority {
				return i
			}
			if first < 0 {
				first = i
			}
		}
		return first
	}

	for _, entry := range alloc.Entries {
		if entry.RotatedFrom == "" {
			continue
		}
		exit, ok := exits[entry.RotatedFrom]
		if !ok {
			continue
		}
		idx := match(entry.Signal, entry.Priority)
		if idx < 0 {
			continue
		}
		used[idx] = true
		cand := unfunded[idx]

		plan.Decisions = append(plan.Decisions,
			Decision{
				Action:       ActionSell,
				Symbol:       exit.Symbol,
				PositionID:   exit.PositionID,
				Priority:     cand.priority,
				Reason:       exit.Reason,
				FreedCapital: exit.FreedCapital,
			},
			Decision{
				Action:      ActionBuy,
				Symbol:      entry.Signal.Symbol,
				Side:        entry.Signal.PositionSide(),
				Size:        entry.Capital * multiplier,
				Priority:    cand.priority,
				Conviction:  cand.res.Conviction,
				Reason:      fmt.Sprintf("rotation from %s; %s", exit.Symbol, cand.res.Reasoning),
				RotatedFrom: exit.PositionID,
				Signal:      signalPtr(cand.opp.Signal),
			},
		)
	}

	for i, u := range unfunded {
		if !used[i] {
			plan.hold(u.opp.Signal, u.priority, u.res.Conviction, "no free capital, slot or eligible rotation")
		}
	}
}

func (c *Coordinator) applyRegime(plan *Plan) {
	for i := range plan.Decisions {
		d := &plan.Decisions[i]
		if d.Action != ActionBuy {
			continue
		}
		switch plan.Regime {
		case RegimeVolatile:
			d.Size *= c.cfg.VolatileScale
		case RegimeBull:
			d.Size *= c.cfg.BullScale
		case RegimeBear:
			if d.Signal != nil && d.Signal.ExpectedReturn < c.cfg.BearReturnFloor {
				plan.downgrade(i, fmt.Sprintf("bear regime: expected return below %.2f", c.cfg.BearReturnFloor))
			}
		}
	}
}

func (c *Coordinator) clamp(plan *Plan, total, riskTolerance float64) {
	upper := total
	if riskTolerance > 0 {
		upper = total * riskTolerance
	}
	for i := range plan.Decisions {
		d := &plan.Decisions[i]
		if d.Action != ActionBuy {
			continue
		}
		if upper < c.cfg.MinPositionSize {
			plan.downgrade(i, "risk ceiling below minimum position size")
			continue
		}
		d.Size = math.Max(c.cfg.MinPositionSize, math.Min(upper, d.Size))
	}
}

// conserve keeps committed capital within the starting capital plus capital
// freed by SELLs. Rotation pairs settle first against their own SELL, so a
// dropped pair never leaves another BUY funded by capital that will not be
// freed. Free-capital BUYs then draw from what remains in priority order. A
// BUY that does not fit is trimmed, or downgraded when the remainder is
// below the minimum position size.
func (c *Coordinator) conserve(plan *Plan, available float64) {
	var rotations, direct []int
	for i, d := range plan.Decisions {
		if d.Action != ActionBuy {
			continue
		}
		if d.RotatedFrom != "" {
			rotations = append(rotations, i)
		} else {
			direct = append(direct, i)
		}
	}
	byPriority := func(idx []int) {
		sort.SliceStable(idx, func(a, b int) bool {
			return plan.Decisions[idx[a]].Priority > plan.Decisions[idx[b]].Priority
		})
	}
	byPriority(rotations)
	byPriority(direct)

	budget := available
	for _, i := range rotations {
		d := &plan.Decisions[i]
		sell := plan.pairedSell(d.RotatedFrom)
		if sell < 0 {
			plan.downgrade(i, "rotation exit missing")
			continue
		}
		freed := plan.Decisions[sell].FreedCapital
		if !c.fit(plan, i, freed) {
			continue
		}
		budget += freed - d.Size
	}

	for _, i := range direct {
		if c.fit(plan, i, budget) {
			budget -= plan.Decisions[i].Size
		}
	}
}

// fit trims BUY i to limit, or downgrades it when limit is below the minimum
// position size. It reports whether the BUY survives.
func (c *Coordinator) fit(plan *Plan, i int, limit float64) bool {
	d := &plan.Decisions[i]
	if d.Size <= limit {
		return true
	}
	if limit < c.cfg.MinPositionSize || limit <= 0 {
		plan.downgrade(i, "exceeds available capital")
		return false
	}
	d.Size = limit
	d.Reason += fmt.Sprintf("; trimmed to %.2f available", limit)
	return true
}

func (p *Plan) pairedSell(positionID string) int {
	for j, s := range p.Decisions {
		if s.Action == ActionSell && s.PositionID == positionID {
			return j
		}
	}
	return -1
}

// downgrade turns decision i into a HOLD. A rotation BUY takes its paired
// SELL with it.
func (p *Plan) downgrade(i int, reason string) {
	d := &p.Decisions[i]
	d.Action = ActionHold
	d.Reason = reason
	d.Size = 0
	if d.RotatedFrom == "" {
		return
	}
	if j := p.pairedSell(d.RotatedFrom); j >= 0 {
		s := &p.Decisions[j]
		s.Action = ActionHold
		s.Reason = "paired entry held: " + reason
		s.FreedCapital = 0
	}
}

func (p *Plan) hold(sig domain.OpportunitySignal, priority, conv float64, reason string) {
	p.Decisions = append(p.Decisions, Decision{
		Action:     ActionHold,
		Symbol:     sig.Symbol,
		Side:       sig.PositionSide(),
		Priority:   priority,
		Conviction: conv,
		Reason:     reason,
		Signal:     signalPtr(sig),
	})
}

func efficiencyRatio(approved []candidate, held []optimizer.HeldPosition) float64 {
	if len(approved) == 0 || len(held) == 0 {
		return 0
	}
	var er, actual float64
	for _, a := range approved {
		er += a.opp.Signal.ExpectedReturn
	}
	for _, h := range held {
		actual += h.ActualReturn
	}
	er /= float64(len(approved))
	actual /= float64(len(held))
	if actual <= 0 {
		return 0
	}
	return er / actual
}

func signalPtr(s domain.OpportunitySignal) *domain.OpportunitySignal {
	return &s
}
