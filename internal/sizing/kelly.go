package sizing

import (
	"context"

	"github.com/alanyoungcy/capitalbot/internal/optimizer"
)

// KellySizer delegates to the optimizer's tier-capped Kelly sizing.
type KellySizer struct {
	opt *optimizer.Optimizer
}

// NewKellySizer wraps opt.
func NewKellySizer(opt *optimizer.Optimizer) *KellySizer {
	return &KellySizer{opt: opt}
}

func (k *KellySizer) Name() string { return "kelly" }

func (k *KellySizer) Size(_ context.Context, req Request) (float64, error) {
	return k.opt.OptimalPositionSize(req.Signal, req.TotalPortfolio, req.RiskTolerance)
}
