// Package sizing turns an approved opportunity into a capital amount. Sizers
// are tried in a fixed order and the first usable answer wins.
package sizing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// Request carries everything a sizer may look at.
type Request struct {
	Signal         domain.OpportunitySignal
	Price          float64 // last known price, 0 when unknown
	Balance        float64 // free quote balance
	TotalPortfolio float64
	RiskTolerance  float64
}

// PositionSizer returns the quote capital to commit for req.
type PositionSizer interface {
	Name() string
	Size(ctx context.Context, req Request) (float64, error)
}

// Chain tries sizers in order and returns the first finite, positive size.
type Chain struct {
	sizers []PositionSizer
	logger *slog.Logger
}

// NewChain builds a chain. Order matters: put the primary sizer first.
func NewChain(logger *slog.Logger, sizers ...PositionSizer) *Chain {
	return &Chain{
		sizers: sizers,
		logger: logger.With(slog.String("component", "sizing")),
	}
}

// Size returns the first usable size and the name of the sizer that produced
// it. When no sizer answers it returns domain.ErrCannotSize.
func (c *Chain) Size(ctx context.Context, req Request) (float64, string, error) {
	var errs []error
	for _, s := range c.sizers {
		size, err := s.Size(ctx, req)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if math.IsNaN(size) || math.IsInf(size, 0) || size <= 0 {
			errs = append(errs, fmt.Errorf("%s: unusable size %v", s.Name(), size))
			continue
		}
		return size, s.Name(), nil
	}

	c.logger.WarnContext(ctx, "sizing: no sizer produced a usable size",
		slog.String("symbol", req.Signal.Symbol),
		slog.String("error", errors.Join(errs...).Error()),
	)
	return 0, "", fmt.Errorf("sizing: %s: %w", req.Signal.Symbol, domain.ErrCannotSize)
}
