// Package timesource provides the single notion of "now" used for every
// stream time computation.
package timesource

import (
	"sync/atomic"
	"time"

	"github.com/juju/clock"
)

// Source returns the current time in whole unix seconds. Implementations
// must be monotonic: Now never returns less than a previous call.
type Source interface {
	Now() int64
}

// Clock adapts a clock.Clock into a monotonic Source. The underlying clock
// is also exposed so timers and sleeps run on the same notion of time.
type Clock struct {
	clk  clock.Clock
	last atomic.Int64
}

// New returns a Source backed by clk.
func New(clk clock.Clock) *Clock {
	return &Clock{clk: clk}
}

// System returns a Source backed by the wall clock.
func System() *Clock {
	return New(clock.WallClock)
}

// Now returns the current unix time in seconds. A backwards step of the
// underlying clock is hidden by returning the highest value seen so far.
func (c *Clock) Now() int64 {
	now := c.clk.Now().Unix()
	for {
		last := c.last.Load()
		if now <= last {
			return last
		}
		if c.last.CompareAndSwap(last, now) {
			return now
		}
	}
}

// Clock returns the underlying clock.
func (c *Clock) Clock() clock.Clock {
	return c.clk
}

// Time returns Now as a time.Time.
func (c *Clock) Time() time.Time {
	return time.Unix(c.Now(), 0)
}

// Fixed is a Source that always returns the same instant.
type Fixed int64

// Now returns f.
func (f Fixed) Now() int64 { return int64(f) }

// Verify interface compliance.
var (
	_ Source = (*Clock)(nil)
	_ Source = Fixed(0)
)
