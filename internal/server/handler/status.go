package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/capitalbot/internal/domain"
	"github.com/alanyoungcy/capitalbot/internal/engine"
)

// EngineStatus exposes the decision engine state.
type EngineStatus interface {
	Running() bool
	LastReport() (engine.Report, bool)
	GuardStates() map[string]string
	RunCycle(ctx context.Context) (engine.Report, error)
}

// StatusHandler serves the engine status for dashboards.
type StatusHandler struct {
	mode     string
	strategy string
	engine   EngineStatus
	logger   *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, strategy string, e EngineStatus, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:     mode,
		strategy: strategy,
		engine:   e,
		logger:   logger.With(slog.String("handler", "status")),
	}
}

// GetStatus responds with the mode, breaker states and the last cycle.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":     h.mode,
		"strategy": h.strategy,
		"running":  h.engine.Running(),
		"guards":   h.engine.GuardStates(),
	}
	if rep, ok := h.engine.LastReport(); ok {
		body["last_cycle"] = rep
	}
	writeJSON(w, http.StatusOK, body)
}

// TriggerCycle runs one decision cycle now and returns its report. A cycle
// already running here or elsewhere answers 409.
// POST /api/cycle
func (h *StatusHandler) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	rep, err := h.engine.RunCycle(r.Context())
	switch {
	case errors.Is(err, domain.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		h.logger.ErrorContext(r.Context(), "handler: manual cycle failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "cycle failed")
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}
