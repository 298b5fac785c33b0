package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/metrics"
)

// Config tunes the price interception.
type Config struct {
	InterceptMin int             // earliest countdown second interception may start at
	InterceptMax int             // latest countdown second interception may start at
	PriceStep    decimal.Decimal // offset granularity; the minimum bias is one step
}

type roundKey struct {
	instrumentID string
	timeID       int64
}

// Engine evaluates the decision for each running round and adjusts the market
// price towards it during the lock half of the round.
type Engine struct {
	state    domain.StateStore
	exposure domain.ExposureReader
	cfg      Config
	logger   *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	cached map[roundKey]domain.DecisionState
}

// NewEngine creates an Engine. rng drives the intercept second and the bias
// offset; nil seeds a new source.
func NewEngine(state domain.StateStore, exposure domain.ExposureReader, cfg Config, rng *rand.Rand, logger *slog.Logger) *Engine {
	if cfg.InterceptMin <= 0 {
		cfg.InterceptMin = 5
	}
	if cfg.InterceptMax < cfg.InterceptMin {
		cfg.InterceptMax = cfg.InterceptMin
	}
	if !cfg.PriceStep.IsPositive() {
		cfg.PriceStep = decimal.RequireFromString("0.01")
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Engine{
		state:    state,
		exposure: exposure,
		cfg:      cfg,
		rng:      rng,
		cached:   make(map[roundKey]domain.DecisionState),
		logger:   logger.With(slog.String("component", "decision")),
	}
}

// Mode returns the configured trade mode, falling back to the default when the
// stored value is missing or unrecognised.
func (e *Engine) Mode(ctx context.Context) domain.TradeMode {
	raw, err := e.state.TradeMode(ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.WarnContext(ctx, "read trade mode", slog.String("error", err.Error()))
		}
		return domain.DefaultTradeMode
	}
	mode, ok := domain.ParseTradeMode(raw)
	if !ok {
		e.logger.WarnContext(ctx, "unknown trade mode, using default",
			slog.String("configured", raw),
			slog.String("mode", string(mode)),
		)
	}
	return mode
}

// Evaluate returns the decision for the round, computing and storing it on
// first use. Once stored, the decision is never recomputed for that round, even
// when the exposure or the configured mode changes afterwards.
func (e *Engine) Evaluate(ctx context.Context, instrumentID string, timeID int64) (domain.DecisionState, error) {
	key := roundKey{instrumentID, timeID}
	e.mu.Lock()
	st, ok := e.cached[key]
	e.mu.Unlock()
	if ok {
		return st, nil
	}

	st, err := e.state.RoundDecision(ctx, instrumentID, timeID)
	if err == nil {
		e.remember(key, st)
		return st, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.DecisionState{}, fmt.Errorf("decision: read state: %w", err)
	}

	d, err := e.decide(ctx, instrumentID, timeID)
	if err != nil {
		return domain.DecisionState{}, err
	}
	st, err = e.state.InitRoundDecision(ctx, instrumentID, timeID, domain.DecisionState{
		Decision:    d,
		InterceptAt: e.interceptAt(),
	})
	if err != nil {
		return domain.DecisionState{}, fmt.Errorf("decision: store state: %w", err)
	}
	e.remember(key, st)

	metrics.Decisions.WithLabelValues(instrumentID, decisionLabel(st.Decision)).Inc()
	e.logger.InfoContext(ctx, "round decided",
		slog.String("instrument", instrumentID),
		slog.Int64("time_id", timeID),
		slog.String("decision", decisionLabel(st.Decision)),
		slog.Int("intercept_at", st.InterceptAt),
	)
	return st, nil
}

func (e *Engine) decide(ctx context.Context, instrumentID string, timeID int64) (domain.Decision, error) {
	forced, err := e.state.ForcedDecision(ctx, instrumentID)
	if err != nil {
		e.logger.WarnContext(ctx, "read forced decision", slog.String("error", err.Error()))
	}
	if forced != domain.DecisionNone {
		return forced, nil
	}

	mode := e.Mode(ctx)
	if mode == domain.ModeNature || mode == domain.ModeNaturePlus {
		return domain.DecisionNone, nil
	}
	exp, err := e.exposure.RoundExposure(ctx, instrumentID, timeID)
	if err != nil {
		return domain.DecisionNone, fmt.Errorf("decision: exposure: %w", err)
	}
	return Decide(EffectiveMode(mode, exp), exp), nil
}

func (e *Engine) remember(key roundKey, st domain.DecisionState) {
	e.mu.Lock()
	e.cached[key] = st
	e.mu.Unlock()
}

// Clear forgets the round's decision, and any older one still cached for the
// instrument, once the round has settled.
func (e *Engine) Clear(ctx context.Context, instrumentID string, timeID int64) error {
	e.mu.Lock()
	for k := range e.cached {
		if k.instrumentID == instrumentID && k.timeID <= timeID {
			delete(e.cached, k)
		}
	}
	e.mu.Unlock()
	if err := e.state.ClearRoundDecision(ctx, instrumentID, timeID); err != nil {
		return fmt.Errorf("decision: clear: %w", err)
	}
	return nil
}

// Adjust returns the price to publish for one tick. Cosmetic smoothing applies
// on every window; the decision bias applies only in the lock half, from the
// round's intercept second down to countdown 1. An unavailable decision leaves
// the price untouched.
func (e *Engine) Adjust(ctx context.Context, instrumentID string, tick domain.Tick, market, open decimal.Decimal) decimal.Decimal {
	p := Smooth(tick.Countdown, market, open)
	if tick.Enabled || open.IsZero() {
		return p
	}

	st, err := e.Evaluate(ctx, instrumentID, tick.RoundID)
	if err != nil {
		e.logger.WarnContext(ctx, "decision unavailable, publishing market price",
			slog.String("instrument", instrumentID),
			slog.Int64("time_id", tick.RoundID),
			slog.String("error", err.Error()),
		)
		return p
	}
	return e.bias(st, tick.Countdown, p, open)
}

func (e *Engine) bias(st domain.DecisionState, countdown int, p, open decimal.Decimal) decimal.Decimal {
	switch st.Decision {
	case domain.DecisionBalance:
		if countdown == 1 {
			return open
		}
	case domain.DecisionUp:
		if countdown <= st.InterceptAt {
			return decimal.Max(p, open).Add(e.offset(p.Sub(open).Abs()))
		}
	case domain.DecisionDown:
		if countdown <= st.InterceptAt {
			biased := decimal.Min(p, open).Sub(e.offset(p.Sub(open).Abs()))
			if biased.IsPositive() {
				return biased
			}
		}
	}
	return p
}

// offset draws a bias in [0, diff] rounded down to the price step, never less
// than one step so the close lands strictly on the decided side.
func (e *Engine) offset(diff decimal.Decimal) decimal.Decimal {
	step := e.cfg.PriceStep
	e.rngMu.Lock()
	f := e.rng.Float64()
	e.rngMu.Unlock()

	off := diff.Mul(decimal.NewFromFloat(f)).Div(step).Floor().Mul(step)
	if off.LessThan(step) {
		return step
	}
	return off
}

func (e *Engine) interceptAt() int {
	span := e.cfg.InterceptMax - e.cfg.InterceptMin + 1
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.cfg.InterceptMin + e.rng.IntN(span)
}

func decisionLabel(d domain.Decision) string {
	if d == domain.DecisionNone {
		return "NONE"
	}
	return string(d)
}
