package ledger

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// Close reasons recorded on positions.
const (
	ReasonStopLoss   = "stop_loss"
	ReasonTakeProfit = "take_profit"
	ReasonRotation   = "rotation"
	ReasonManual     = "manual"
)

// ExitDecision is the verdict of an exit strategy for one position and tick.
type ExitDecision struct {
	ShouldExit bool
	Reason     string
	Confidence float64
	Source     string
}

// ExitStrategy decides whether a position should be closed at price.
type ExitStrategy interface {
	Name() string
	Evaluate(ctx context.Context, pos domain.Position, price float64) (ExitDecision, error)
}

// MechanicalExit closes on stop-loss and take-profit levels only.
type MechanicalExit struct{}

func (MechanicalExit) Name() string { return "mechanical" }

// Evaluate never fails.
func (MechanicalExit) Evaluate(_ context.Context, pos domain.Position, price float64) (ExitDecision, error) {
	d := ExitDecision{Source: "mechanical", Confidence: 1}
	short := pos.Side == domain.PositionSideShort

	if sl := pos.StopLoss; sl != nil {
		if (!short && price <= *sl) || (short && price >= *sl) {
			d.ShouldExit = true
			d.Reason = ReasonStopLoss
			return d, nil
		}
	}
	if tp := pos.TakeProfit; tp != nil {
		if (!short && price >= *tp) || (short && price <= *tp) {
			d.ShouldExit = true
			d.Reason = ReasonTakeProfit
			return d, nil
		}
	}
	return d, nil
}

// ExitSupervisor consults the predictive strategy first and falls back to
// the mechanical one only when the predictive strategy returns an error. A
// low-confidence predictive answer is still an answer.
type ExitSupervisor struct {
	predictive ExitStrategy
	mechanical ExitStrategy
	logger     *slog.Logger
}

// NewExitSupervisor creates a supervisor. predictive may be nil, in which
// case every decision is mechanical.
func NewExitSupervisor(predictive ExitStrategy, logger *slog.Logger) *ExitSupervisor {
	return &ExitSupervisor{
		predictive: predictive,
		mechanical: MechanicalExit{},
		logger:     logger.With(slog.String("component", "exit_supervisor")),
	}
}

// Evaluate returns the exit decision for pos at price.
func (s *ExitSupervisor) Evaluate(ctx context.Context, pos domain.Position, price float64) ExitDecision {
	if s.predictive != nil {
		d, err := s.predictive.Evaluate(ctx, pos, price)
		if err == nil {
			if d.Source == "" {
				d.Source = s.predictive.Name()
			}
			return d
		}
		s.logger.WarnContext(ctx, "ledger: predictive exit failed, using mechanical",
			slog.String("position_id", pos.ID),
			slog.String("strategy", s.predictive.Name()),
			slog.String("error", err.Error()),
		)
	}
	d, _ := s.mechanical.Evaluate(ctx, pos, price)
	return d
}
