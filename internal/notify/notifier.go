// Package notify delivers operator alerts to chat channels. Alerts are
// queued so that callers on the trading path never wait on a webhook.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Severity orders alerts by urgency.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// Event types the engine raises.
const (
	EventPositionOpened = "position_opened"
	EventPositionClosed = "position_closed"
	EventDegraded       = "ledger_degraded"
	EventCycleFailed    = "cycle_failed"
)

// Alert is one notification.
type Alert struct {
	Event    string
	Severity Severity
	Title    string
	Message  string
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans alerts out to every sender. Only events in the allow list
// are forwarded, except critical alerts which always go out. An empty allow
// list forwards everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	queue   chan Alert
	logger  *slog.Logger
}

// NewNotifier creates a Notifier with a bounded queue of queueSize alerts.
func NewNotifier(senders []Sender, events []string, queueSize int, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan Alert, queueSize),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

func (n *Notifier) allowed(a Alert) bool {
	return a.Severity == SeverityCritical || len(n.events) == 0 || n.events[a.Event]
}

// Enqueue schedules a for delivery without blocking. A full queue drops the
// alert and returns false.
func (n *Notifier) Enqueue(a Alert) bool {
	if !n.Enabled() || !n.allowed(a) {
		return true
	}
	select {
	case n.queue <- a:
		return true
	default:
		n.logger.Warn("notify: queue full, alert dropped",
			slog.String("event", a.Event),
			slog.String("title", a.Title),
		)
		return false
	}
}

// Run delivers queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a := <-n.queue:
			_ = n.Notify(ctx, a)
		}
	}
}

// Notify delivers a synchronously to every sender. One failing sender does
// not stop delivery to the rest.
func (n *Notifier) Notify(ctx context.Context, a Alert) error {
	if !n.allowed(a) {
		n.logger.DebugContext(ctx, "notify: event filtered", slog.String("event", a.Event))
		return nil
	}
	title := a.Title
	if a.Severity > SeverityInfo {
		title = fmt.Sprintf("[%s] %s", strings.ToUpper(a.Severity.String()), a.Title)
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, a.Message); err != nil {
			n.logger.ErrorContext(ctx, "notify: sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", a.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
