package orchestrator

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// advance folds one tick into the instrument's candle. A new window starts
// from the stored open price; countdown 1 closes the window, stores the final
// candle and carries its close over as the next open. A window whose last
// second never arrived is closed from what was folded so far.
func (o *Orchestrator) advance(ctx context.Context, st *instrumentState, tick domain.Tick) {
	if timeID, active := st.builder.TimeID(); !active || timeID != tick.RoundID {
		if active {
			o.logger.WarnContext(ctx, "window missed its last second, closing it now",
				slog.String("instrument", st.inst.ID),
				slog.Int64("time_id", timeID),
			)
			o.finalize(ctx, st)
		}
		st.builder.Begin(tick.RoundID, o.openPrice(ctx, st.inst), o.deps.Clock.Start(tick.RoundID).UnixMilli())
	}

	if s, ok := o.deps.Prices.Sample(st.inst.Symbol, tick.At); ok {
		p := o.deps.Decider.Adjust(ctx, st.inst.ID, tick, s.Price, st.builder.Open())
		c := st.builder.Add(p, s.Quantity)
		if tick.Countdown != 1 {
			if err := o.deps.Publisher.PublishCandle(ctx, c); err != nil {
				o.logger.WarnContext(ctx, "publish candle",
					slog.String("instrument", st.inst.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	if tick.Countdown == 1 {
		o.finalize(ctx, st)
	}
}

func (o *Orchestrator) finalize(ctx context.Context, st *instrumentState) {
	final, ok := st.builder.Finalize()
	if !ok {
		o.logger.WarnContext(ctx, "no price observed in window, skipping final candle",
			slog.String("instrument", st.inst.ID))
		return
	}

	// Every instance folds its own candle; the first one stored is the one
	// all of them settle and carry forward.
	stored, err := o.deps.State.SaveFinalCandle(ctx, st.inst.ID, final)
	if err != nil {
		o.logger.ErrorContext(ctx, "store final candle",
			slog.String("instrument", st.inst.ID),
			slog.Int64("time_id", final.TimeID),
			slog.String("error", err.Error()),
		)
		stored = final
	}
	if err := o.deps.State.SetOpenPrice(ctx, st.inst.ID, stored.Close); err != nil {
		o.logger.ErrorContext(ctx, "store next open price",
			slog.String("instrument", st.inst.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := o.deps.Publisher.PublishCandle(ctx, stored); err != nil {
		o.logger.WarnContext(ctx, "publish final candle",
			slog.String("instrument", st.inst.ID),
			slog.String("error", err.Error()),
		)
	}
}
