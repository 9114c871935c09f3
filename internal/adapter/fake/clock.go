package fake

import (
	"sync"
	"time"

	"keelhaul/internal/reconcile"
)

var _ reconcile.Clock = (*Clock)(nil)

// Clock is a deterministic reconcile.Clock. A non-zero step advances it on
// every read, so a pass and each check inside it span a known duration.
type Clock struct {
	mu    sync.Mutex
	now   time.Time
	step  time.Duration
	reads int
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// NewSteppingClock returns a clock that moves forward by step after each Now.
func NewSteppingClock(start time.Time, step time.Duration) *Clock {
	return &Clock{now: start, step: step}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	c.reads++
	return t
}

// Advance moves the clock forward by d without counting a read.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Reads reports how many times Now was called.
func (c *Clock) Reads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}
