package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/metrics"
	"github.com/alanyoungcy/roundengine/internal/notify"
	"github.com/alanyoungcy/roundengine/internal/settlement"
)

// settlePending attempts every round still waiting to settle, oldest first.
// Rounds that fail stay pending and are retried on the next tick. A round
// whose final candle never appeared is closed flat once it is older than
// MaxPendingAge, so its orders settle as a draw instead of staying open.
func (o *Orchestrator) settlePending(ctx context.Context) {
	o.mu.Lock()
	rounds := make([]*pendingRound, 0, len(o.pending))
	for _, p := range o.pending {
		rounds = append(rounds, p)
	}
	o.mu.Unlock()
	if len(rounds) == 0 {
		return
	}
	sort.Slice(rounds, func(i, j int) bool {
		if rounds[i].timeID != rounds[j].timeID {
			return rounds[i].timeID < rounds[j].timeID
		}
		return rounds[i].inst.ID < rounds[j].inst.ID
	})

	for _, p := range rounds {
		if ctx.Err() != nil {
			return
		}
		o.mu.Lock()
		p.attempts++
		attempts := p.attempts
		o.mu.Unlock()

		err := o.settle(ctx, p.inst, p.timeID)
		switch {
		case err == nil:
			o.forget(p)
		case errors.Is(err, domain.ErrLockHeld):
			// Another instance is settling the round; a later attempt finds
			// nothing left to settle and completes.
		case errors.Is(err, domain.ErrNoCandle):
			if o.now().Sub(p.since) < o.cfg.MaxPendingAge {
				continue
			}
			if err := o.closeFlat(ctx, p); err != nil {
				o.logger.ErrorContext(ctx, "store flat final candle",
					slog.String("instrument", p.inst.ID),
					slog.Int64("time_id", p.timeID),
					slog.String("error", err.Error()),
				)
				continue
			}
			o.logger.ErrorContext(ctx, "round has no final candle, settling it flat",
				slog.String("instrument", p.inst.ID),
				slog.Int64("time_id", p.timeID),
				slog.Int("attempts", attempts),
			)
			o.alert(ctx, notify.EventSettlementGaveUp, "Round closed flat",
				fmt.Sprintf("%s/%d had no final candle after %s and settles as BALANCE", p.inst.ID, p.timeID, o.cfg.MaxPendingAge))
		default:
			o.logger.ErrorContext(ctx, "settlement failed, will retry",
				slog.String("instrument", p.inst.ID),
				slog.Int64("time_id", p.timeID),
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()),
			)
			if attempts == 1 {
				o.alert(ctx, notify.EventSettlementFailed, "Settlement failed",
					fmt.Sprintf("%s/%d: %v", p.inst.ID, p.timeID, err))
			}
		}
	}
}

// closeFlat stores a BALANCE final candle at the carried-over open price for
// a round that never produced one. A candle stored meanwhile by another
// instance wins. The round stays pending and settles on the next attempt.
func (o *Orchestrator) closeFlat(ctx context.Context, p *pendingRound) error {
	open := o.openPrice(ctx, p.inst)
	flat := domain.Candle{
		Pair:   p.inst.Pair,
		Open:   open,
		High:   open,
		Low:    open,
		Close:  open,
		Volume: decimal.Zero,
		Date:   o.deps.Clock.Start(p.timeID).UnixMilli(),
		Final:  true,
		Type:   domain.OutcomeBalance,
		TimeID: p.timeID,
	}
	if _, err := o.deps.State.SaveFinalCandle(ctx, p.inst.ID, flat); err != nil {
		return fmt.Errorf("save flat candle: %w", err)
	}
	return nil
}

func (o *Orchestrator) forget(p *pendingRound) {
	o.mu.Lock()
	delete(o.pending, roundKey{p.inst.ID, p.timeID})
	o.mu.Unlock()
}

// settle settles every scope of one round under the round's settlement lock.
// Committed reports are published and archived asynchronously.
func (o *Orchestrator) settle(ctx context.Context, inst domain.Instrument, timeID int64) error {
	unlock, err := o.deps.Locks.Acquire(ctx, fmt.Sprintf("settle:%s:%d", inst.ID, timeID), o.cfg.SettleLockTTL)
	if err != nil {
		return fmt.Errorf("acquire settle lock: %w", err)
	}
	defer unlock()

	final, err := o.deps.State.FinalCandle(ctx, inst.ID, timeID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNoCandle
	}
	if err != nil {
		return fmt.Errorf("read final candle: %w", err)
	}

	var reports []settlement.Report
	for _, scope := range o.scopes {
		rep, err := o.deps.Settler.Settle(ctx, scope, inst.ID, final)
		if errors.Is(err, domain.ErrSettlementConflict) {
			o.logger.InfoContext(ctx, "round settled concurrently elsewhere",
				slog.String("scope", string(scope)),
				slog.String("instrument", inst.ID),
				slog.Int64("time_id", timeID),
			)
			continue
		}
		if err != nil {
			metrics.SettlementFailures.WithLabelValues(inst.ID, string(scope)).Inc()
			return err
		}
		if !rep.Empty() {
			reports = append(reports, rep)
		}
	}

	if err := o.deps.Decider.Clear(ctx, inst.ID, timeID); err != nil {
		o.logger.WarnContext(ctx, "clear round decision",
			slog.String("instrument", inst.ID),
			slog.Int64("time_id", timeID),
			slog.String("error", err.Error()),
		)
	}

	for _, rep := range reports {
		o.goAsync(ctx, func(ctx context.Context) { o.publishReport(ctx, rep) })
	}
	return nil
}

func (o *Orchestrator) publishReport(ctx context.Context, rep settlement.Report) {
	attrs := []any{
		slog.String("scope", string(rep.Scope)),
		slog.String("instrument", rep.Round.InstrumentID),
		slog.Int64("time_id", rep.Round.TimeID),
	}
	if err := o.deps.Publisher.PublishRoundReport(ctx, rep); err != nil {
		o.logger.WarnContext(ctx, "publish round report", append(attrs, slog.String("error", err.Error()))...)
	}
	if o.deps.Archiver == nil {
		return
	}
	if err := o.deps.Archiver.Archive(ctx, rep); err != nil {
		o.logger.WarnContext(ctx, "archive round report", append(attrs, slog.String("error", err.Error()))...)
	}
}

// rebalance runs NATURE_PLUS rebalancing for the round whose price just
// started running and notifies refunded users after commit. A failed round is
// retried on every tick until its window ends.
func (o *Orchestrator) rebalance(ctx context.Context, inst domain.Instrument, timeID int64) {
	key := roundKey{inst.ID, timeID}
	rep, err := o.deps.Rebalancer.Rebalance(ctx, inst.ID, timeID)
	if err != nil {
		retry, retrying := o.rebalances[key]
		if !retrying {
			retry = &pendingRound{inst: inst, timeID: timeID, since: o.now()}
			o.rebalances[key] = retry
		}
		retry.attempts++
		o.logger.ErrorContext(ctx, "rebalance failed, will retry",
			slog.String("instrument", inst.ID),
			slog.Int64("time_id", timeID),
			slog.Int("attempts", retry.attempts),
			slog.String("error", err.Error()),
		)
		if !retrying {
			o.alert(ctx, notify.EventRebalanceFailed, "Rebalance failed", fmt.Sprintf("%s/%d: %v", inst.ID, timeID, err))
		}
		return
	}
	delete(o.rebalances, key)
	if rep.Empty() {
		return
	}
	o.goAsync(ctx, func(ctx context.Context) {
		if err := o.deps.Publisher.PublishRefunds(ctx, rep); err != nil {
			o.logger.WarnContext(ctx, "publish refunds",
				slog.String("instrument", inst.ID),
				slog.Int64("time_id", timeID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// retryRebalances retries failed rebalances of the running window. Once the
// window has ended its stakes are final and the retry is abandoned.
func (o *Orchestrator) retryRebalances(ctx context.Context, tick domain.Tick) {
	for key, r := range o.rebalances {
		if key.timeID != tick.RoundID {
			delete(o.rebalances, key)
			o.logger.ErrorContext(ctx, "window ended before rebalance succeeded",
				slog.String("instrument", r.inst.ID),
				slog.Int64("time_id", r.timeID),
				slog.Int("attempts", r.attempts),
			)
			continue
		}
		o.rebalance(ctx, r.inst, r.timeID)
	}
}

// dispatchCommissions queues a commission job for every MAIN order of the
// round that still carries a stake. The lock is left to expire so other
// instances skip the round.
func (o *Orchestrator) dispatchCommissions(ctx context.Context, inst domain.Instrument, timeID int64) {
	o.goAsync(ctx, func(ctx context.Context) {
		key := fmt.Sprintf("commission:%s:%d", inst.ID, timeID)
		if _, err := o.deps.Locks.Acquire(ctx, key, 2*domain.RoundSeconds*time.Second); err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				o.logger.WarnContext(ctx, "acquire commission lock", slog.String("error", err.Error()))
			}
			return
		}

		orders, err := o.deps.Orders.ListRoundOrders(ctx, domain.ScopeLive, inst.ID, timeID)
		if err != nil {
			o.logger.ErrorContext(ctx, "list orders for commission",
				slog.String("instrument", inst.ID),
				slog.Int64("time_id", timeID),
				slog.String("error", err.Error()),
			)
			return
		}
		queued := 0
		for _, ord := range orders {
			if ord.AccountClass != domain.AccountMain || !ord.BetAmount.IsPositive() {
				continue
			}
			err := o.deps.Publisher.EnqueueCommission(ctx, notify.CommissionJob{
				OrderID:      ord.ID,
				UserID:       ord.UserID,
				InstrumentID: inst.ID,
				TimeID:       timeID,
				BetAmount:    ord.BetAmount,
			})
			if err != nil {
				o.logger.WarnContext(ctx, "enqueue commission",
					slog.String("order_id", ord.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			queued++
		}
		if queued > 0 {
			o.logger.InfoContext(ctx, "commission jobs queued",
				slog.String("instrument", inst.ID),
				slog.Int64("time_id", timeID),
				slog.Int("jobs", queued),
			)
		}
	})
}
