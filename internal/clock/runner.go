package clock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// maxCatchUp bounds how many missed seconds are scanned for window boundaries
// after a stalled tick.
const maxCatchUp = 60

// Handler receives each tick in order.
type Handler func(ctx context.Context, tick domain.Tick)

// Runner fires the clock once per second from a cron schedule and dispatches
// ticks to registered handlers. A tick is emitted only when the observed
// wall-clock second changes, so extra timer firings within one second are
// ignored.
type Runner struct {
	clock    Clock
	cron     *cron.Cron
	now      func() time.Time
	logger   *slog.Logger
	handlers []Handler

	mu      sync.Mutex
	lastSec int64
}

// NewRunner creates a Runner for c.
func NewRunner(c Clock, logger *slog.Logger) *Runner {
	return &Runner{
		clock: c,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.DelayIfStillRunning(cron.DiscardLogger)),
		),
		now:    time.Now,
		logger: logger.With(slog.String("component", "clock")),
	}
}

// OnTick registers h. Handlers must be registered before Run.
func (r *Runner) OnTick(h Handler) {
	r.handlers = append(r.handlers, h)
}

// Run schedules the 1 Hz job and blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if _, err := r.cron.AddFunc("* * * * * *", func() { r.fire(ctx) }); err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "round clock started")
	r.cron.Start()

	<-ctx.Done()
	stopped := r.cron.Stop()
	<-stopped.Done()
	r.logger.Info("round clock stopped")
	return ctx.Err()
}

// fire emits the tick for the current second. When seconds were skipped
// (a slow handler delayed the schedule) the window boundaries inside the gap
// are replayed first: the last second of a window, which closes its candle,
// and the phase event that follows it.
func (r *Runner) fire(ctx context.Context) {
	now := r.now()
	sec := now.Unix()

	r.mu.Lock()
	last := r.lastSec
	if sec <= last {
		r.mu.Unlock()
		return
	}
	r.lastSec = sec
	r.mu.Unlock()

	if last > 0 && sec-last > 1 {
		from := last + 1
		if sec-from > maxCatchUp {
			from = sec - maxCatchUp
		}
		for s := from; s < sec; s++ {
			missed := r.clock.TickAt(time.Unix(s, 0))
			if !isBoundary(missed) {
				continue
			}
			r.logger.WarnContext(ctx, "replaying missed window boundary",
				slog.Int64("round_id", missed.RoundID),
				slog.Int("countdown", missed.Countdown),
			)
			r.dispatch(ctx, missed)
		}
	}

	r.dispatch(ctx, r.clock.TickAt(now))
}

func isBoundary(tick domain.Tick) bool {
	return tick.Phase != nil || tick.Countdown == 1
}

func (r *Runner) dispatch(ctx context.Context, tick domain.Tick) {
	for _, h := range r.handlers {
		h(ctx, tick)
	}
}
