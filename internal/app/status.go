package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/notify"
	"github.com/alanyoungcy/roundengine/internal/orchestrator"
)

// tickWatcher tracks the last tick published by whichever engine instance
// drives the clock.
type tickWatcher struct {
	mu   sync.RWMutex
	last domain.Tick
}

// Run follows the tick channel until ctx is cancelled.
func (w *tickWatcher) Run(ctx context.Context, bus domain.SignalBus, logger *slog.Logger) error {
	msgs, err := bus.Subscribe(ctx, notify.ChannelTick)
	if err != nil {
		return fmt.Errorf("app: subscribe ticks: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			var tick domain.Tick
			if err := json.Unmarshal(raw, &tick); err != nil {
				logger.DebugContext(ctx, "drop malformed tick", slog.String("error", err.Error()))
				continue
			}
			w.mu.Lock()
			w.last = tick
			w.mu.Unlock()
		}
	}
}

// Status reports the last observed tick. Pending settlements live in the
// engine process and are not visible here.
func (w *tickWatcher) Status() orchestrator.Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return orchestrator.Status{Tick: w.last}
}
