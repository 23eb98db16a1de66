// Package resilience wraps upstream calls with a per-call timeout,
// exponential backoff retries and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit open")

// Config tunes a Guard.
type Config struct {
	CallTimeout     time.Duration
	MaxRetries      uint64
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BreakerFailures uint32        // consecutive failures that open the breaker
	BreakerTimeout  time.Duration // how long the breaker stays open
}

// DefaultConfig returns conservative defaults for exchange and data calls.
func DefaultConfig() Config {
	return Config{
		CallTimeout:     2 * time.Second,
		MaxRetries:      2,
		InitialBackoff:  100 * time.Millisecond,
		MaxBackoff:      time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Guard protects one upstream dependency.
type Guard struct {
	name   string
	cfg    Config
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewGuard creates a Guard. name identifies the breaker in logs.
func NewGuard(name string, cfg Config, logger *slog.Logger) *Guard {
	logger = logger.With(slog.String("component", "resilience"), slog.String("guard", name))
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			var perm *backoff.PermanentError
			return err == nil || errors.Is(err, context.Canceled) || errors.As(err, &perm)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("resilience: breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	return &Guard{name: name, cfg: cfg, cb: gobreaker.NewCircuitBreaker(st), logger: logger}
}

// Name returns the guard name.
func (g *Guard) Name() string { return g.name }

// State returns the breaker state ("closed", "half-open" or "open").
func (g *Guard) State() string { return g.cb.State().String() }

// Permanent marks err as not worth retrying. The upstream answered, so a
// permanent error does not count as a breaker failure.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn with a per-attempt timeout, retrying transient failures.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		v, err := g.cb.Execute(func() (any, error) {
			cctx := ctx
			if g.cfg.CallTimeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
				defer cancel()
			}
			return fn(cctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%s: %w", g.name, ErrOpen))
		}
		if err != nil {
			return err
		}
		out, _ = v.(T)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	if g.cfg.InitialBackoff > 0 {
		b.InitialInterval = g.cfg.InitialBackoff
	}
	if g.cfg.MaxBackoff > 0 {
		b.MaxInterval = g.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(attempt,
		backoff.WithContext(backoff.WithMaxRetries(b, g.cfg.MaxRetries), ctx),
		func(err error, wait time.Duration) {
			g.logger.DebugContext(ctx, "resilience: retrying",
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		},
	)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
