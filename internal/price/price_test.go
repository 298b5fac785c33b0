package price

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trade(sym, p, q string) domain.Trade {
	return domain.Trade{Symbol: sym, Price: d(p), Quantity: d(q), TradeTime: time.Unix(0, 0)}
}

func TestWindow_EvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for _, p := range []string{"1", "2", "3", "4", "5"} {
		w.Push(trade("BTCUSDT", p, "1"))
	}
	require.Equal(t, 3, w.Len())

	got := w.Trades()
	assert.True(t, got[0].Price.Equal(d("3")))
	assert.True(t, got[2].Price.Equal(d("5")))

	top, ok := w.Top()
	require.True(t, ok)
	assert.True(t, top.Price.Equal(d("5")))

	lo, hi, ok := w.MinMax()
	require.True(t, ok)
	assert.True(t, lo.Equal(d("3")))
	assert.True(t, hi.Equal(d("5")))
}

func TestWindow_EmptyHasNoTop(t *testing.T) {
	w := NewWindow(0)
	assert.Equal(t, DefaultWindowSize, w.Cap())
	_, ok := w.Top()
	assert.False(t, ok)
	_, ok = w.Synthesize(rand.New(rand.NewPCG(1, 2)), time.Now())
	assert.False(t, ok)
}

func TestWindow_SyntheticStaysInRange(t *testing.T) {
	w := NewWindow(DefaultWindowSize)
	for _, p := range []string{"100.5", "101.25", "99.75", "100"} {
		w.Push(trade("ETHUSDT", p, "2"))
	}
	lo, hi, _ := w.MinMax()
	rng := rand.New(rand.NewPCG(7, 11))

	for i := 0; i < 500; i++ {
		before, after, _ := w.MinMax()
		s, ok := w.Synthesize(rng, time.Now())
		require.True(t, ok)
		assert.True(t, s.Synthetic)
		assert.False(t, s.Price.LessThan(before), "price %s below %s", s.Price, before)
		assert.False(t, s.Price.GreaterThan(after), "price %s above %s", s.Price, after)
		assert.LessOrEqual(t, -s.Price.Exponent(), int32(syntheticPlaces))
	}

	// Synthetic prints never widen the observed range.
	nlo, nhi, _ := w.MinMax()
	assert.False(t, nlo.LessThan(lo))
	assert.False(t, nhi.GreaterThan(hi))
}

func TestAggregator_FreshThenSynthetic(t *testing.T) {
	a := NewAggregator(5, rand.New(rand.NewPCG(3, 4)))

	_, ok := a.Sample("BTCUSDT", time.Now())
	assert.False(t, ok)

	a.Ingest(trade("btcusdt", "30000", "0.5"))
	a.Ingest(trade("BTCUSDT", "30010", "0.25"))

	s, ok := a.Sample("BTCUSDT", time.Now())
	require.True(t, ok)
	assert.False(t, s.Synthetic)
	assert.True(t, s.Price.Equal(d("30010")))
	assert.True(t, s.Quantity.Equal(d("0.75")))

	s, ok = a.Sample("BTCUSDT", time.Now())
	require.True(t, ok)
	assert.True(t, s.Synthetic)
	assert.True(t, s.Quantity.IsZero())
	assert.False(t, s.Price.LessThan(d("30000")))
	assert.False(t, s.Price.GreaterThan(d("30010")))

	last, ok := a.Last("BTCUSDT")
	require.True(t, ok)
	assert.True(t, last.Equal(s.Price))
}

func TestCandleBuilder_FoldsWindow(t *testing.T) {
	b := NewCandleBuilder("BTC/USDT", d("10"))
	_, active := b.TimeID()
	assert.False(t, active)

	b.Begin(41, d("100"), 1_700_000_000_000)
	b.Add(d("101"), d("1"))
	b.Add(d("98"), d("0.5"))
	c := b.Add(d("99"), decimal.Zero)

	assert.False(t, c.Final)
	assert.True(t, c.Open.Equal(d("100")))
	assert.True(t, c.High.Equal(d("101")))
	assert.True(t, c.Low.Equal(d("98")))
	assert.True(t, c.Close.Equal(d("99")))
	assert.True(t, c.Volume.Equal(d("15")))

	final, ok := b.Finalize()
	require.True(t, ok)
	assert.True(t, final.Final)
	assert.Equal(t, domain.OutcomeDown, final.Type)
	assert.Equal(t, int64(41), final.TimeID)
	assert.Equal(t, "BTC/USDT", final.Pair)

	_, active = b.TimeID()
	assert.False(t, active)
}

func TestCandleBuilder_MissingOpenUsesFirstPrice(t *testing.T) {
	b := NewCandleBuilder("ETH/USDT", decimal.Zero)
	b.Begin(3, decimal.Zero, 0)
	b.Add(d("2000"), d("1"))
	c := b.Add(d("2000"), d("1"))
	assert.True(t, c.Open.Equal(d("2000")))
	assert.True(t, c.Volume.Equal(d("2")))

	final, ok := b.Finalize()
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeBalance, final.Type)
}

func TestCandleBuilder_EmptyWindowHasNoFinal(t *testing.T) {
	b := NewCandleBuilder("ETH/USDT", decimal.Zero)
	b.Begin(3, d("1"), 0)
	_, ok := b.Finalize()
	assert.False(t, ok)
}
