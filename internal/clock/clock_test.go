package clock

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

const testRoot int64 = 1577836800 // 2020-01-01T00:00:00Z

func TestRoundID(t *testing.T) {
	c := New(testRoot)
	assert.Equal(t, int64(0), c.RoundID(testRoot*1000))
	assert.Equal(t, int64(0), c.RoundID(testRoot*1000+29_999))
	assert.Equal(t, int64(1), c.RoundID((testRoot+30)*1000))
	assert.Equal(t, int64(-1), c.RoundID(testRoot*1000-1))
}

func TestCountdown(t *testing.T) {
	cases := map[int]int{0: 30, 1: 29, 15: 15, 29: 1, 30: 30, 31: 29, 45: 15, 59: 1}
	for second, want := range cases {
		assert.Equal(t, want, Countdown(second), "second %d", second)
	}
}

func TestTickAt_MonotonicAndCycling(t *testing.T) {
	c := New(testRoot)
	start := time.Unix(testRoot+7, 0)

	var prevRound int64 = -1 << 62
	boundaries := 0
	for i := 0; i < 180; i++ {
		tick := c.TickAt(start.Add(time.Duration(i) * time.Second))
		require.GreaterOrEqual(t, tick.RoundID, prevRound)
		prevRound = tick.RoundID

		require.GreaterOrEqual(t, tick.Countdown, 1)
		require.LessOrEqual(t, tick.Countdown, 30)

		sec := tick.At.Unix()
		if sec%30 == 0 {
			assert.Equal(t, 30, tick.Countdown)
			require.NotNil(t, tick.Phase)
			boundaries++
		} else {
			assert.NotEqual(t, 30, tick.Countdown)
			assert.Nil(t, tick.Phase)
		}
		if i > 0 {
			prev := c.TickAt(start.Add(time.Duration(i-1) * time.Second))
			if tick.Countdown != 30 {
				assert.Equal(t, prev.Countdown-1, tick.Countdown)
			}
		}
	}
	assert.Equal(t, 6, boundaries)
}

func TestTickAt_PhaseEvents(t *testing.T) {
	c := New(testRoot)

	lock := c.TickAt(time.Unix(testRoot+30, 0))
	assert.False(t, lock.Enabled)
	assert.Equal(t, int64(1), lock.RoundID)
	require.NotNil(t, lock.Phase)
	assert.Equal(t, domain.PhaseLock, lock.Phase.Kind)
	assert.Equal(t, int64(0), lock.Phase.RoundID)

	closing := c.TickAt(time.Unix(testRoot+60, 0))
	assert.True(t, closing.Enabled)
	require.NotNil(t, closing.Phase)
	assert.Equal(t, domain.PhaseClose, closing.Phase.Kind)
	assert.Equal(t, int64(1), closing.Phase.RoundID)
}

func TestRunner_DedupesSameSecond(t *testing.T) {
	r := NewRunner(New(testRoot), slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Unix(testRoot+5, 0)
	r.now = func() time.Time { return now }

	var got []domain.Tick
	r.OnTick(func(_ context.Context, tick domain.Tick) { got = append(got, tick) })

	r.fire(context.Background())
	now = now.Add(300 * time.Millisecond)
	r.fire(context.Background())
	now = now.Add(900 * time.Millisecond)
	r.fire(context.Background())

	require.Len(t, got, 2)
	assert.Equal(t, 25, got[0].Countdown)
	assert.Equal(t, 24, got[1].Countdown)
}

func TestRunner_ReplaysMissedBoundary(t *testing.T) {
	r := NewRunner(New(testRoot), slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Unix(testRoot+28, 0)
	r.now = func() time.Time { return now }

	var got []domain.Tick
	r.OnTick(func(_ context.Context, tick domain.Tick) { got = append(got, tick) })

	r.fire(context.Background())
	now = time.Unix(testRoot+32, 0)
	r.fire(context.Background())

	require.Len(t, got, 4)
	assert.Equal(t, 2, got[0].Countdown)
	assert.Equal(t, 1, got[1].Countdown, "the window's last second is replayed")
	assert.Equal(t, got[0].RoundID, got[1].RoundID)
	require.NotNil(t, got[2].Phase)
	assert.Equal(t, domain.PhaseLock, got[2].Phase.Kind)
	assert.Equal(t, got[0].RoundID, got[2].Phase.RoundID)
	assert.Equal(t, 28, got[3].Countdown)
}

func TestRunner_ReplaysLastSecondWithoutPhase(t *testing.T) {
	r := NewRunner(New(testRoot), slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Unix(testRoot+27, 0)
	r.now = func() time.Time { return now }

	var got []domain.Tick
	r.OnTick(func(_ context.Context, tick domain.Tick) { got = append(got, tick) })

	r.fire(context.Background())
	now = time.Unix(testRoot+30, 0)
	r.fire(context.Background())

	// Seconds 28 and 29 were missed; only 29 closes the window.
	require.Len(t, got, 3)
	assert.Equal(t, 3, got[0].Countdown)
	assert.Equal(t, 1, got[1].Countdown)
	assert.Nil(t, got[1].Phase)
	assert.Equal(t, 30, got[2].Countdown)
	require.NotNil(t, got[2].Phase)
}
