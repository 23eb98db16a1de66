package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConsistencyReporter lists positions whose latest transition was not
// persisted.
type ConsistencyReporter interface {
	Unpersisted() []string
}

// HealthHandler serves the health check.
type HealthHandler struct {
	pingers map[string]Pinger
	ledger  ConsistencyReporter
	timeout time.Duration
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler probing each named dependency.
func NewHealthHandler(pingers map[string]Pinger, ledger ConsistencyReporter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		pingers: pingers,
		ledger:  ledger,
		timeout: 2 * time.Second,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// HealthCheck reports "ok", or "degraded" with status 503 when a dependency
// is down or the ledger holds memory-only transitions.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := "ok"
	deps := make(map[string]string, len(h.pingers))
	for name, p := range h.pingers {
		if err := p.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = "down"
			status = "degraded"
			continue
		}
		deps[name] = "up"
	}

	var unpersisted []string
	if h.ledger != nil {
		unpersisted = h.ledger.Unpersisted()
	}
	if len(unpersisted) > 0 {
		status = "degraded"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"dependencies": deps,
		"unpersisted":  unpersisted,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
