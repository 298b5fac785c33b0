package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// TradesChannel carries raw trades from a feed process to engine processes.
const TradesChannel = "feed-trades"

type relayedTrade struct {
	Symbol       string          `json:"s"`
	Price        decimal.Decimal `json:"p"`
	Quantity     decimal.Decimal `json:"q"`
	IsBuyerMaker bool            `json:"m"`
	TradeTime    int64           `json:"T"`
}

// Relay returns a TradeHandler that republishes every trade on TradesChannel.
// Publish failures are logged and the trade is dropped; the engine fills the
// gap with a synthetic price.
func Relay(ctx context.Context, bus domain.SignalBus, logger *slog.Logger) TradeHandler {
	logger = logger.With(slog.String("component", "feed_relay"))
	return func(t domain.Trade) {
		payload, err := json.Marshal(relayedTrade{
			Symbol:       t.Symbol,
			Price:        t.Price,
			Quantity:     t.Quantity,
			IsBuyerMaker: t.IsBuyerMaker,
			TradeTime:    t.TradeTime.UnixMilli(),
		})
		if err != nil {
			return
		}
		if err := bus.Publish(ctx, TradesChannel, payload); err != nil {
			logger.WarnContext(ctx, "relay trade",
				slog.String("symbol", t.Symbol),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Consume subscribes to TradesChannel and hands every relayed trade to
// onTrade until ctx is cancelled.
func Consume(ctx context.Context, bus domain.SignalBus, onTrade TradeHandler, logger *slog.Logger) error {
	msgs, err := bus.Subscribe(ctx, TradesChannel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", TradesChannel, err)
	}
	logger = logger.With(slog.String("component", "feed_consumer"))
	logger.InfoContext(ctx, "consuming relayed trades")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			var rt relayedTrade
			if err := json.Unmarshal(raw, &rt); err != nil || rt.Symbol == "" || !rt.Price.IsPositive() {
				logger.DebugContext(ctx, "drop malformed relayed trade", slog.Int("payload_len", len(raw)))
				continue
			}
			onTrade(domain.Trade{
				Symbol:       rt.Symbol,
				Price:        rt.Price,
				Quantity:     rt.Quantity,
				IsBuyerMaker: rt.IsBuyerMaker,
				TradeTime:    time.UnixMilli(rt.TradeTime).UTC(),
			})
		}
	}
}
