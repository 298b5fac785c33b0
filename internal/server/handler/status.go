package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/orchestrator"
)

// StatusSource exposes the running orchestrator's snapshot.
type StatusSource interface {
	Status() orchestrator.Status
}

// ModeReader resolves the effective trade mode.
type ModeReader interface {
	Mode(ctx context.Context) domain.TradeMode
}

// StatusHandler serves the engine status for the dashboard.
type StatusHandler struct {
	source      StatusSource
	modes       ModeReader
	instruments []domain.Instrument
	startedAt   time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(source StatusSource, modes ModeReader, instruments []domain.Instrument) *StatusHandler {
	return &StatusHandler{
		source:      source,
		modes:       modes,
		instruments: instruments,
		startedAt:   time.Now(),
	}
}

type instrumentView struct {
	ID     string `json:"id"`
	Pair   string `json:"pair"`
	Symbol string `json:"symbol"`
}

// Snapshot returns the status document served by GetStatus.
func (h *StatusHandler) Snapshot(ctx context.Context) any {
	insts := make([]instrumentView, len(h.instruments))
	for i, inst := range h.instruments {
		insts[i] = instrumentView{ID: inst.ID, Pair: inst.Pair, Symbol: inst.Symbol}
	}
	st := h.source.Status()
	if st.Pending == nil {
		st.Pending = []orchestrator.PendingRound{}
	}
	return map[string]any{
		"mode":        h.modes.Mode(ctx),
		"tick":        st.Tick,
		"pending":     st.Pending,
		"instruments": insts,
		"uptime":      time.Since(h.startedAt).Round(time.Second).String(),
	}
}

// GetStatus responds with the trade mode, the last clock tick and the rounds
// still waiting to settle.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Snapshot(r.Context()))
}
