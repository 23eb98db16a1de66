package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HealthAlerter turns degraded ledger writes into critical alerts. Repeats
// for the same position and operation are suppressed for the cooldown.
type HealthAlerter struct {
	n        *Notifier
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewHealthAlerter creates a HealthAlerter.
func NewHealthAlerter(n *Notifier, cooldown time.Duration, logger *slog.Logger) *HealthAlerter {
	return &HealthAlerter{
		n:        n,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "health_alerter")),
		now:      time.Now,
		last:     make(map[string]time.Time),
	}
}

// ReportDegraded implements ledger.HealthReporter.
func (h *HealthAlerter) ReportDegraded(ctx context.Context, op, positionID string, err error) {
	key := op + "/" + positionID
	now := h.now()

	h.mu.Lock()
	if t, ok := h.last[key]; ok && now.Sub(t) < h.cooldown {
		h.mu.Unlock()
		return
	}
	h.last[key] = now
	h.mu.Unlock()

	msg := fmt.Sprintf("%s of position %s is held in memory only: %v", op, positionID, err)
	h.logger.ErrorContext(ctx, "notify: ledger consistency degraded",
		slog.String("op", op),
		slog.String("position_id", positionID),
		slog.String("error", err.Error()),
	)
	h.n.Enqueue(Alert{
		Event:    EventDegraded,
		Severity: SeverityCritical,
		Title:    "Ledger write failed",
		Message:  msg,
	})
}
