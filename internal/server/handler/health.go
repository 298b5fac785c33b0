package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// checkTimeout bounds each dependency probe.
const checkTimeout = 2 * time.Second

// Check probes one backing dependency.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks map[string]Check
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler that probes checks on every call.
// checks may be nil, in which case the endpoint only reports liveness.
func NewHealthHandler(checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logger.With(slog.String("handler", "health"))}
}

// HealthCheck reports the state of every dependency. Any failing dependency
// turns the response into a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	deps := make(map[string]string, len(names))
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			status = http.StatusServiceUnavailable
			deps[name] = err.Error()
			h.logger.WarnContext(r.Context(), "dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		deps[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":       overall,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
