package price

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// CandleBuilder folds the per-second prices of one instrument into the candle
// of the current 30-second window. It is driven from the tick goroutine only.
type CandleBuilder struct {
	pair       string
	multiplier decimal.Decimal

	active bool
	seeded bool
	candle domain.Candle
}

// NewCandleBuilder returns a builder for pair. Traded quantity is scaled by
// volumeMultiplier before being added to the candle volume.
func NewCandleBuilder(pair string, volumeMultiplier decimal.Decimal) *CandleBuilder {
	if volumeMultiplier.IsZero() {
		volumeMultiplier = decimal.NewFromInt(1)
	}
	return &CandleBuilder{pair: pair, multiplier: volumeMultiplier}
}

// TimeID returns the window the builder is folding, or false when idle.
func (b *CandleBuilder) TimeID() (int64, bool) {
	return b.candle.TimeID, b.active
}

// Open returns the open price of the current window; zero until known.
func (b *CandleBuilder) Open() decimal.Decimal {
	return b.candle.Open
}

// Begin starts the window timeID. open is the previous window's close; a zero
// open is replaced by the first price observed in the window.
func (b *CandleBuilder) Begin(timeID int64, open decimal.Decimal, dateMillis int64) {
	b.active = true
	b.seeded = false
	b.candle = domain.Candle{
		Pair:   b.pair,
		Open:   open,
		Volume: decimal.Zero,
		Date:   dateMillis,
		TimeID: timeID,
	}
}

// Add folds one per-second price into the window and returns the in-progress
// candle.
func (b *CandleBuilder) Add(price, quantity decimal.Decimal) domain.Candle {
	if b.candle.Open.IsZero() {
		b.candle.Open = price
	}
	if !b.seeded {
		b.candle.High = price
		b.candle.Low = price
		b.seeded = true
	}
	if price.GreaterThan(b.candle.High) {
		b.candle.High = price
	}
	if price.LessThan(b.candle.Low) {
		b.candle.Low = price
	}
	b.candle.Close = price
	b.candle.Volume = b.candle.Volume.Add(quantity.Mul(b.multiplier))
	return b.candle
}

// Finalize closes the window and returns the final candle tagged with its
// outcome. It returns false when no price was folded into the window.
func (b *CandleBuilder) Finalize() (domain.Candle, bool) {
	if !b.active || !b.seeded {
		b.active = false
		return domain.Candle{}, false
	}
	b.active = false
	c := b.candle
	c.Final = true
	c.Type = domain.OutcomeOf(c.Open, c.Close)
	return c, true
}
