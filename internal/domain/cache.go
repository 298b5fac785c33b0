package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// StateStore is the narrow, externally owned key-value state shared by every
// engine instance: the configured trade mode, forced decisions, per-round
// decisions, carried-over open prices and final candles.
type StateStore interface {
	// TradeMode returns the raw configured value; ErrNotFound when unset.
	TradeMode(ctx context.Context) (string, error)
	SetTradeMode(ctx context.Context, mode TradeMode) error

	// ForcedDecision returns DecisionNone when nothing is forced.
	ForcedDecision(ctx context.Context, instrumentID string) (Decision, error)
	// SetForcedDecision clears the forced decision when d is DecisionNone.
	SetForcedDecision(ctx context.Context, instrumentID string, d Decision) error

	// InitRoundDecision stores st unless a decision already exists for the
	// round, and returns whichever state is now stored.
	InitRoundDecision(ctx context.Context, instrumentID string, timeID int64, st DecisionState) (DecisionState, error)
	// RoundDecision returns ErrNotFound before the round has been decided.
	RoundDecision(ctx context.Context, instrumentID string, timeID int64) (DecisionState, error)
	ClearRoundDecision(ctx context.Context, instrumentID string, timeID int64) error

	// OpenPrice returns ErrNotFound when no prior close was recorded.
	OpenPrice(ctx context.Context, instrumentID string) (decimal.Decimal, error)
	SetOpenPrice(ctx context.Context, instrumentID string, price decimal.Decimal) error

	// FinalCandle returns ErrNotFound when the round produced no final candle.
	FinalCandle(ctx context.Context, instrumentID string, timeID int64) (Candle, error)
	// SaveFinalCandle stores c unless another instance already stored the
	// final candle for the same round, and returns the stored candle.
	SaveFinalCandle(ctx context.Context, instrumentID string, c Candle) (Candle, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub for ephemeral fan-out and streams for
// at-least-once work queues.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
