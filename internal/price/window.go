// Package price turns the inbound trade stream into one price per instrument
// per second and folds those prices into 30-second candles.
package price

import (
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// DefaultWindowSize is the number of trades retained per instrument.
const DefaultWindowSize = 10

// syntheticPlaces is the precision of synthesised prices.
const syntheticPlaces = 8

// Window is a fixed-capacity ring of the most recent trades for one
// instrument. Pushing onto a full window evicts the oldest entry. Window is
// not safe for concurrent use; the Aggregator serialises access.
type Window struct {
	buf  []domain.Trade
	head int // index of the oldest entry
	n    int
}

// NewWindow allocates a window holding at most capacity trades.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowSize
	}
	return &Window{buf: make([]domain.Trade, capacity)}
}

// Push appends t, evicting the oldest trade when the window is full.
func (w *Window) Push(t domain.Trade) {
	if w.n < len(w.buf) {
		w.buf[(w.head+w.n)%len(w.buf)] = t
		w.n++
		return
	}
	w.buf[w.head] = t
	w.head = (w.head + 1) % len(w.buf)
}

// Top returns the most recently pushed trade.
func (w *Window) Top() (domain.Trade, bool) {
	if w.n == 0 {
		return domain.Trade{}, false
	}
	return w.buf[(w.head+w.n-1)%len(w.buf)], true
}

// Len returns the number of retained trades.
func (w *Window) Len() int { return w.n }

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.buf) }

// MinMax returns the lowest and highest retained prices.
func (w *Window) MinMax() (lo, hi decimal.Decimal, ok bool) {
	if w.n == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	for i := 0; i < w.n; i++ {
		p := w.buf[(w.head+i)%len(w.buf)].Price
		if i == 0 || p.LessThan(lo) {
			lo = p
		}
		if i == 0 || p.GreaterThan(hi) {
			hi = p
		}
	}
	return lo, hi, true
}

// Trades returns the retained trades, oldest first.
func (w *Window) Trades() []domain.Trade {
	out := make([]domain.Trade, w.n)
	for i := range out {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Synthesize pushes a synthetic trade whose price is drawn uniformly from the
// window's [min, max] range and truncated to 8 decimal places. It returns
// false on an empty window.
func (w *Window) Synthesize(rng *rand.Rand, at time.Time) (domain.Trade, bool) {
	top, ok := w.Top()
	if !ok {
		return domain.Trade{}, false
	}
	lo, hi, _ := w.MinMax()
	p := lo.Add(hi.Sub(lo).Mul(decimal.NewFromFloat(rng.Float64()))).Truncate(syntheticPlaces)
	if p.LessThan(lo) {
		p = lo
	}
	t := domain.Trade{
		Symbol:    top.Symbol,
		Price:     p,
		Quantity:  decimal.Zero,
		TradeTime: at,
		Synthetic: true,
	}
	w.Push(t)
	return t, true
}
