package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundSeconds is the length of one clock window. A bettable round spans one
// enabled window (orders accepted) followed by one disabled window (price runs).
const RoundSeconds = 30

// Outcome is the resolved direction of a closed round.
type Outcome string

const (
	OutcomeUp      Outcome = "UP"
	OutcomeDown    Outcome = "DOWN"
	OutcomeBalance Outcome = "BALANCE"
)

// OutcomeOf derives the outcome from a candle's open and close prices.
func OutcomeOf(open, close decimal.Decimal) Outcome {
	switch close.Cmp(open) {
	case 1:
		return OutcomeUp
	case -1:
		return OutcomeDown
	default:
		return OutcomeBalance
	}
}

// Round is the persisted record of one settled round for one instrument.
// TimeID is the canonical key; (TimeID, InstrumentID) is unique.
type Round struct {
	ID           string
	InstrumentID string
	TimeID       int64
	OpenPrice    decimal.Decimal
	ClosePrice   decimal.Decimal
	Outcome      Outcome
	CreatedAt    time.Time
}

// PhaseKind identifies a phase boundary emitted by the clock.
type PhaseKind string

const (
	PhaseLock  PhaseKind = "LOCK"
	PhaseClose PhaseKind = "CLOSE"
)

// PhaseEvent is attached to the tick on which a 30-second boundary is crossed.
// RoundID always refers to the window that just ended.
type PhaseEvent struct {
	Kind    PhaseKind `json:"kind"`
	RoundID int64     `json:"roundId"`
}

// Tick is broadcast once per second.
type Tick struct {
	Countdown int         `json:"countdown"`
	Enabled   bool        `json:"enabled"`
	RoundID   int64       `json:"roundId"`
	Phase     *PhaseEvent `json:"phase,omitempty"`
	At        time.Time   `json:"-"`
}

// Instrument is one traded pair the engine runs rounds for.
type Instrument struct {
	ID     string // canonical id stored on rounds and orders, e.g. "BTC"
	Pair   string // display pair used on the candle channel, e.g. "BTC/USDT"
	Symbol string // feed symbol, e.g. "BTCUSDT"
}
