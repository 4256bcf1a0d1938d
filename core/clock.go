package core

import (
	"sync"
	"time"
)

// MonotonicClock reports unix seconds that never decrease, even when the
// underlying wall clock is stepped backwards.
type MonotonicClock struct {
	mu     sync.Mutex
	source func() time.Time
	last   int64
}

// NewMonotonicClock wraps source. A nil source uses time.Now.
func NewMonotonicClock(source func() time.Time) *MonotonicClock {
	if source == nil {
		source = time.Now
	}
	return &MonotonicClock{source: source}
}

// Now implements escrow.Clock.
func (c *MonotonicClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.source().Unix()
	if now < c.last {
		return c.last
	}
	c.last = now
	return now
}
