// Package orchestrator drives every configured instrument through the round
// lifecycle on each clock tick: price sampling, decision bias, candle folding,
// settlement at the close boundary and the asynchronous side jobs that follow.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/clock"
	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/notify"
	"github.com/alanyoungcy/roundengine/internal/price"
	"github.com/alanyoungcy/roundengine/internal/settlement"
)

// Sampler hands out one price per instrument per tick.
type Sampler interface {
	Sample(symbol string, now time.Time) (price.Sample, bool)
}

// Decider resolves the trade mode and biases prices towards the round decision.
type Decider interface {
	Mode(ctx context.Context) domain.TradeMode
	Adjust(ctx context.Context, instrumentID string, tick domain.Tick, market, open decimal.Decimal) decimal.Decimal
	Clear(ctx context.Context, instrumentID string, timeID int64) error
}

// Settler settles one round in one scope.
type Settler interface {
	Settle(ctx context.Context, scope domain.Scope, instrumentID string, final domain.Candle) (settlement.Report, error)
}

// Rebalancer runs NATURE_PLUS rebalancing for one round.
type Rebalancer interface {
	Rebalance(ctx context.Context, instrumentID string, timeID int64) (settlement.RebalanceReport, error)
}

// Publisher fans round events out to the bus.
type Publisher interface {
	PublishTick(ctx context.Context, tick domain.Tick) error
	PublishCandle(ctx context.Context, c domain.Candle) error
	PublishRoundReport(ctx context.Context, rep settlement.Report) error
	PublishRefunds(ctx context.Context, rep settlement.RebalanceReport) error
	EnqueueCommission(ctx context.Context, job notify.CommissionJob) error
}

// Archiver stores settled round reports.
type Archiver interface {
	Archive(ctx context.Context, rep settlement.Report) error
}

// Alerter raises operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event, title, msg string) error
}

// Config tunes the orchestrator.
type Config struct {
	Instruments         []domain.Instrument
	VolumeMultiplier    decimal.Decimal
	Demo                bool          // also settle the demo scope
	SettleLockTTL       time.Duration // lease on settle:{instrument}:{timeId}
	CommissionCountdown int           // lock-half second at which commission jobs are queued
	MaxPendingAge       time.Duration // how long a round without a final candle is retried
	SideJobTimeout      time.Duration
}

func (c *Config) applyDefaults() {
	if c.SettleLockTTL <= 0 {
		c.SettleLockTTL = 30 * time.Second
	}
	if c.CommissionCountdown <= 0 {
		c.CommissionCountdown = 10
	}
	if c.MaxPendingAge <= 0 {
		c.MaxPendingAge = 2 * time.Hour
	}
	if c.SideJobTimeout <= 0 {
		c.SideJobTimeout = 30 * time.Second
	}
}

// Deps are the collaborators the orchestrator drives. Archiver and Alerts are
// optional.
type Deps struct {
	Clock      clock.Clock
	State      domain.StateStore
	Locks      domain.LockManager
	Orders     domain.OrderReader
	Prices     Sampler
	Decider    Decider
	Settler    Settler
	Rebalancer Rebalancer
	Publisher  Publisher
	Archiver   Archiver
	Alerts     Alerter
}

type instrumentState struct {
	inst    domain.Instrument
	builder *price.CandleBuilder
}

type roundKey struct {
	instrumentID string
	timeID       int64
}

type pendingRound struct {
	inst     domain.Instrument
	timeID   int64
	since    time.Time
	attempts int
}

// Status is a snapshot of the orchestrator for the admin surface.
type Status struct {
	Tick    domain.Tick    `json:"tick"`
	Pending []PendingRound `json:"pending"`
}

// PendingRound is a round whose settlement has not committed yet.
type PendingRound struct {
	InstrumentID string    `json:"instrumentId"`
	TimeID       int64     `json:"timeId"`
	Since        time.Time `json:"since"`
	Attempts     int       `json:"attempts"`
}

// Orchestrator ties the round components together. HandleTick must be called
// from a single goroutine; Status is safe for concurrent use.
type Orchestrator struct {
	cfg         Config
	deps        Deps
	scopes      []domain.Scope
	instruments []*instrumentState
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	lastTick domain.Tick
	pending  map[roundKey]*pendingRound

	// rebalances is touched from the tick goroutine only.
	rebalances map[roundKey]*pendingRound

	jobs sync.WaitGroup
}

// New creates an Orchestrator for cfg.Instruments.
func New(cfg Config, deps Deps, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{
		cfg:        cfg,
		deps:       deps,
		scopes:     []domain.Scope{domain.ScopeLive},
		logger:     logger.With(slog.String("component", "orchestrator")),
		now:        time.Now,
		pending:    make(map[roundKey]*pendingRound),
		rebalances: make(map[roundKey]*pendingRound),
	}
	if cfg.Demo {
		o.scopes = append(o.scopes, domain.ScopeDemo)
	}
	for _, inst := range cfg.Instruments {
		o.instruments = append(o.instruments, &instrumentState{
			inst:    inst,
			builder: price.NewCandleBuilder(inst.Pair, cfg.VolumeMultiplier),
		})
	}
	return o
}

// HandleTick runs one clock tick. Engine errors are logged and never abort the
// tick loop.
func (o *Orchestrator) HandleTick(ctx context.Context, tick domain.Tick) {
	o.mu.Lock()
	o.lastTick = tick
	o.mu.Unlock()

	if err := o.deps.Publisher.PublishTick(ctx, tick); err != nil {
		o.logger.WarnContext(ctx, "publish tick", slog.String("error", err.Error()))
	}

	for _, st := range o.instruments {
		o.advance(ctx, st, tick)
	}

	o.retryRebalances(ctx, tick)
	if tick.Phase != nil {
		o.handlePhase(ctx, tick)
	}
	o.settlePending(ctx)

	if !tick.Enabled && tick.Countdown == o.cfg.CommissionCountdown {
		for _, st := range o.instruments {
			o.dispatchCommissions(ctx, st.inst, tick.RoundID)
		}
	}
}

func (o *Orchestrator) handlePhase(ctx context.Context, tick domain.Tick) {
	switch tick.Phase.Kind {
	case domain.PhaseLock:
		// Betting on the window that just ended is closed; tick.RoundID is
		// the round whose price now runs.
		if o.deps.Decider.Mode(ctx) != domain.ModeNaturePlus {
			return
		}
		for _, st := range o.instruments {
			o.rebalance(ctx, st.inst, tick.RoundID)
		}
	case domain.PhaseClose:
		o.mu.Lock()
		for _, st := range o.instruments {
			key := roundKey{st.inst.ID, tick.Phase.RoundID}
			if _, ok := o.pending[key]; !ok {
				o.pending[key] = &pendingRound{inst: st.inst, timeID: tick.Phase.RoundID, since: o.now()}
			}
		}
		o.mu.Unlock()
	}
}

// Wait blocks until every asynchronous side job has finished.
func (o *Orchestrator) Wait() {
	o.jobs.Wait()
}

// Status returns the last tick and the rounds still waiting to settle.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Status{Tick: o.lastTick}
	for _, p := range o.pending {
		s.Pending = append(s.Pending, PendingRound{
			InstrumentID: p.inst.ID,
			TimeID:       p.timeID,
			Since:        p.since,
			Attempts:     p.attempts,
		})
	}
	sort.Slice(s.Pending, func(i, j int) bool {
		if s.Pending[i].TimeID != s.Pending[j].TimeID {
			return s.Pending[i].TimeID < s.Pending[j].TimeID
		}
		return s.Pending[i].InstrumentID < s.Pending[j].InstrumentID
	})
	return s
}

// goAsync runs fn detached from the tick, bounded by the side job timeout.
func (o *Orchestrator) goAsync(ctx context.Context, fn func(ctx context.Context)) {
	o.jobs.Add(1)
	go func() {
		defer o.jobs.Done()
		jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SideJobTimeout)
		defer cancel()
		fn(jobCtx)
	}()
}

func (o *Orchestrator) alert(ctx context.Context, event, title, msg string) {
	if o.deps.Alerts == nil {
		return
	}
	if err := o.deps.Alerts.Notify(ctx, event, title, msg); err != nil {
		o.logger.WarnContext(ctx, "send alert", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) openPrice(ctx context.Context, inst domain.Instrument) decimal.Decimal {
	open, err := o.deps.State.OpenPrice(ctx, inst.ID)
	switch {
	case err == nil:
		return open
	case errors.Is(err, domain.ErrNotFound):
		o.logger.WarnContext(ctx, "no open price recorded, using first observed price",
			slog.String("instrument", inst.ID))
	default:
		o.logger.WarnContext(ctx, "read open price, using first observed price",
			slog.String("instrument", inst.ID),
			slog.String("error", err.Error()),
		)
	}
	return decimal.Zero
}
