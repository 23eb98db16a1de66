package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/capitalbot/internal/domain"
)

// LedgerReader is the in-memory view of the ledger.
type LedgerReader interface {
	OpenPositions() []domain.Position
	Get(id string) (domain.Position, error)
	Trades(positionID string) []domain.Trade
}

// PositionHandler serves position and trade endpoints. Open positions come
// from the ledger; history comes from the store.
type PositionHandler struct {
	ledger LedgerReader
	store  domain.LedgerStore
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(ledger LedgerReader, store domain.LedgerStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		ledger: ledger,
		store:  store,
		logger: logger.With(slog.String("handler", "positions")),
	}
}

// ListOpen returns open positions.
// GET /api/positions
func (h *PositionHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	open := h.ledger.OpenPositions()
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": positionViews(open),
		"count":     len(open),
	})
}

// ListClosed returns closed positions, newest exit first.
// GET /api/positions/closed?since=&until=&limit=&offset=
func (h *PositionHandler) ListClosed(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	closed, err := h.store.ListClosed(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list closed positions", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list closed positions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": positionViews(closed),
		"count":     len(closed),
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

// Get returns one position, from memory when this process knows it.
// GET /api/positions/{id}
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pos, err := h.ledger.Get(id)
	if errors.Is(err, domain.ErrNotFound) {
		pos, err = h.store.GetByID(r.Context(), id)
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position not found")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "handler: get position",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
	default:
		writeJSON(w, http.StatusOK, positionView(pos))
	}
}

// Trades returns the entry and exit trades of a position.
// GET /api/positions/{id}/trades
func (h *PositionHandler) Trades(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	trades := h.ledger.Trades(id)
	if len(trades) == 0 {
		var err error
		trades, err = h.store.ListTrades(r.Context(), id)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list trades",
				slog.String("position_id", id),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list trades")
			return
		}
	}
	if len(trades) == 0 {
		writeError(w, http.StatusNotFound, "no trades for position")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": tradeViews(trades)})
}
