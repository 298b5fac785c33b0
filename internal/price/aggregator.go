package price

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/roundengine/internal/domain"
	"github.com/alanyoungcy/roundengine/internal/metrics"
)

// Sample is the price the aggregator hands to the candle pipeline for one
// instrument in one tick.
type Sample struct {
	Price     decimal.Decimal
	Quantity  decimal.Decimal // traded quantity since the previous sample
	Synthetic bool
}

type book struct {
	mu       sync.Mutex
	window   *Window
	fresh    bool
	quantity decimal.Decimal
}

// Aggregator keeps one price window per feed symbol. Each symbol is guarded by
// its own mutex so a burst on one pair never blocks the others.
type Aggregator struct {
	capacity int

	mu    sync.RWMutex
	books map[string]*book

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewAggregator creates an Aggregator retaining windowSize trades per symbol.
// rng drives synthetic sampling; nil seeds a new source.
func NewAggregator(windowSize int, rng *rand.Rand) *Aggregator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Aggregator{
		capacity: windowSize,
		books:    make(map[string]*book),
		rng:      rng,
	}
}

func (a *Aggregator) book(symbol string, create bool) *book {
	symbol = strings.ToUpper(symbol)
	a.mu.RLock()
	b := a.books[symbol]
	a.mu.RUnlock()
	if b != nil || !create {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b = a.books[symbol]; b == nil {
		b = &book{window: NewWindow(a.capacity)}
		a.books[symbol] = b
	}
	return b
}

// Ingest records a trade from the feed.
func (a *Aggregator) Ingest(t domain.Trade) {
	b := a.book(t.Symbol, true)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.Push(t)
	b.fresh = true
	b.quantity = b.quantity.Add(t.Quantity)
}

// Sample returns the current price for symbol and resets the freshness flag.
// When no trade arrived since the previous sample a synthetic price inside the
// recent [min, max] range is injected so the chart keeps moving. It returns
// false when the symbol has never traded.
func (a *Aggregator) Sample(symbol string, now time.Time) (Sample, bool) {
	b := a.book(symbol, false)
	if b == nil {
		return Sample{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fresh {
		top, _ := b.window.Top()
		s := Sample{Price: top.Price, Quantity: b.quantity}
		b.fresh = false
		b.quantity = decimal.Zero
		return s, true
	}

	a.rngMu.Lock()
	t, ok := b.window.Synthesize(a.rng, now)
	a.rngMu.Unlock()
	if !ok {
		return Sample{}, false
	}
	metrics.SyntheticTicks.WithLabelValues(strings.ToUpper(symbol)).Inc()
	return Sample{Price: t.Price, Quantity: decimal.Zero, Synthetic: true}, true
}

// Last returns the most recent price seen for symbol without consuming it.
func (a *Aggregator) Last(symbol string) (decimal.Decimal, bool) {
	b := a.book(symbol, false)
	if b == nil {
		return decimal.Zero, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	top, ok := b.window.Top()
	return top.Price, ok
}
