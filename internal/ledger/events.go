package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
)

// EventsChannel is the signal bus channel carrying ledger transitions.
const EventsChannel = "positions"

// emit publishes a transition on the bus and writes it to the audit log.
// Both are best-effort.
func (l *Ledger) emit(ctx context.Context, event, positionID string, detail map[string]any) {
	if l.bus != nil {
		payload := make(map[string]any, len(detail)+1)
		for k, v := range detail {
			payload[k] = v
		}
		payload["event"] = event
		evt, _ := json.Marshal(payload)
		if err := l.bus.Publish(ctx, EventsChannel, evt); err != nil {
			l.logger.WarnContext(ctx, "ledger: publish event failed",
				slog.String("event", event),
				slog.String("position_id", positionID),
				slog.String("error", err.Error()),
			)
		}
	}

	if l.audit != nil {
		if err := l.audit.Log(ctx, event, detail); err != nil {
			l.logger.WarnContext(ctx, "ledger: audit log failed",
				slog.String("event", event),
				slog.String("position_id", positionID),
				slog.String("error", err.Error()),
			)
		}
	}
}
