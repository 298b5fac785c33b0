package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/notify"
)

// Alerter raises operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, msg string) error
}

// AdminHandler lets operators change the trade mode and force round outcomes.
type AdminHandler struct {
	state       domain.StateStore
	alerts      Alerter
	instruments map[string]bool
	logger      *slog.Logger
}

// NewAdminHandler creates an AdminHandler. alerts may be nil.
func NewAdminHandler(state domain.StateStore, alerts Alerter, instruments []domain.Instrument, logger *slog.Logger) *AdminHandler {
	known := make(map[string]bool, len(instruments))
	for _, inst := range instruments {
		known[inst.ID] = true
	}
	return &AdminHandler{
		state:       state,
		alerts:      alerts,
		instruments: known,
		logger:      logger.With(slog.String("handler", "admin")),
	}
}

type tradeModeRequest struct {
	Mode string `json:"mode"`
}

type decisionRequest struct {
	Decision string `json:"decision"`
}

// GetTradeMode returns the stored trade mode and the mode the engine applies.
// GET /api/admin/trade-mode
func (h *AdminHandler) GetTradeMode(w http.ResponseWriter, r *http.Request) {
	raw, err := h.state.TradeMode(r.Context())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		h.logger.ErrorContext(r.Context(), "read trade mode", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read trade mode")
		return
	}
	effective, _ := domain.ParseTradeMode(raw)
	writeJSON(w, http.StatusOK, map[string]any{
		"stored":    raw,
		"effective": effective,
	})
}

// SetTradeMode stores a new trade mode. Unknown modes are rejected.
// PUT /api/admin/trade-mode
func (h *AdminHandler) SetTradeMode(w http.ResponseWriter, r *http.Request) {
	var req tradeModeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, ok := domain.ParseTradeMode(req.Mode)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown trade mode %q", req.Mode))
		return
	}

	prev, err := h.state.TradeMode(r.Context())
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		h.logger.WarnContext(r.Context(), "read previous trade mode", slog.String("error", err.Error()))
	}
	if err := h.state.SetTradeMode(r.Context(), mode); err != nil {
		h.logger.ErrorContext(r.Context(), "set trade mode", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to store trade mode")
		return
	}

	h.logger.InfoContext(r.Context(), "trade mode changed",
		slog.String("from", prev),
		slog.String("to", string(mode)),
	)
	if h.alerts != nil && prev != string(mode) {
		msg := fmt.Sprintf("trade mode changed from %q to %s", prev, mode)
		if err := h.alerts.Notify(r.Context(), notify.EventTradeModeChanged, "Trade mode changed", msg); err != nil {
			h.logger.WarnContext(r.Context(), "send trade mode alert", slog.String("error", err.Error()))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}

// SetDecision forces the outcome direction of the next rounds for one
// instrument.
// PUT /api/admin/decision/{instrument}
func (h *AdminHandler) SetDecision(w http.ResponseWriter, r *http.Request) {
	instrument, ok := h.instrument(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d := domain.ParseDecision(req.Decision)
	if d == domain.DecisionNone {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown decision %q", req.Decision))
		return
	}
	if err := h.state.SetForcedDecision(r.Context(), instrument, d); err != nil {
		h.logger.ErrorContext(r.Context(), "set forced decision",
			slog.String("instrument", instrument),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to store decision")
		return
	}
	h.logger.InfoContext(r.Context(), "forced decision set",
		slog.String("instrument", instrument),
		slog.String("decision", string(d)),
	)
	writeJSON(w, http.StatusOK, map[string]any{"instrument": instrument, "decision": d})
}

// ClearDecision removes a forced decision.
// DELETE /api/admin/decision/{instrument}
func (h *AdminHandler) ClearDecision(w http.ResponseWriter, r *http.Request) {
	instrument, ok := h.instrument(w, r)
	if !ok {
		return
	}
	if err := h.state.SetForcedDecision(r.Context(), instrument, domain.DecisionNone); err != nil {
		h.logger.ErrorContext(r.Context(), "clear forced decision",
			slog.String("instrument", instrument),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to clear decision")
		return
	}
	h.logger.InfoContext(r.Context(), "forced decision cleared", slog.String("instrument", instrument))
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) instrument(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := pathParam(r, "instrument")
	if !h.instruments[id] {
		writeError(w, http.StatusNotFound, fmt.Sprintf("%s: %q", domain.ErrUnknownInstrument, id))
		return "", false
	}
	return id, true
}
