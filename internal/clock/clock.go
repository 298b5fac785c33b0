// Package clock derives round phases from wall-clock time. Every value is
// recomputed from the current time on each tick, so drift and missed timer
// firings correct themselves instead of accumulating.
package clock

import (
	"time"

	"github.com/alanyoungcy/roundengine/internal/domain"
)

// Clock maps wall-clock time onto 30-second round windows counted from a
// fixed origin (ROOT_TIME, in unix seconds).
type Clock struct {
	root int64
}

// New returns a Clock anchored at rootTime. rootTime must be a multiple of 60
// so round boundaries land on the :00 and :30 second marks and even rounds
// start on the minute.
func New(rootTime int64) Clock {
	return Clock{root: rootTime}
}

// RoundID returns floor((floor(nowMillis/1000) - root) / 30).
func (c Clock) RoundID(nowMillis int64) int64 {
	sec := floorDiv(nowMillis, 1000)
	return floorDiv(sec-c.root, domain.RoundSeconds)
}

// Countdown maps a second-of-minute (0..59) onto the 30→1 countdown of its
// half minute.
func Countdown(second int) int {
	if second >= 30 {
		return 30 - abs(30-second)
	}
	return abs(30 - second)
}

// Enabled reports whether the window is the open-for-betting half.
func Enabled(roundID int64) bool {
	return roundID%2 == 0
}

// TickAt computes the tick for t. On the boundary second (countdown 30) the
// tick carries the phase event for the window that just ended.
func (c Clock) TickAt(t time.Time) domain.Tick {
	roundID := c.RoundID(t.UnixMilli())
	second := int(floorMod(t.Unix(), 60))
	tick := domain.Tick{
		Countdown: Countdown(second),
		Enabled:   Enabled(roundID),
		RoundID:   roundID,
		At:        t,
	}
	if tick.Countdown == domain.RoundSeconds {
		kind := domain.PhaseClose
		if !tick.Enabled {
			kind = domain.PhaseLock
		}
		tick.Phase = &domain.PhaseEvent{Kind: kind, RoundID: roundID - 1}
	}
	return tick
}

// Start returns the wall-clock start of the given round window.
func (c Clock) Start(roundID int64) time.Time {
	return time.Unix(c.root+roundID*domain.RoundSeconds, 0).UTC()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
