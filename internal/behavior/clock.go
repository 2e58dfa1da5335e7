package behavior

import "time"

// Clock reports elapsed time since a fixed origin. Services and timed actions
// read it once per tick.
type Clock interface {
	Now() time.Duration
}

var defaultClock Clock = NewRealClock()

// RealClock measures wall time since it was created.
type RealClock struct {
	start time.Time
}

func NewRealClock() *RealClock {
	return &RealClock{start: time.Now()}
}

func (c *RealClock) Now() time.Duration {
	return time.Since(c.start)
}

// ManualClock only moves when told to. It is not safe for concurrent use.
type ManualClock struct {
	now time.Duration
}

func (c *ManualClock) Now() time.Duration { return c.now }

func (c *ManualClock) Advance(d time.Duration) { c.now += d }

func (c *ManualClock) Set(now time.Duration) { c.now = now }
