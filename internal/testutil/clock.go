package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is the instant fake clocks start at unless told otherwise.
var DefaultEpoch = time.Date(2026, 1, 27, 9, 0, 0, 0, time.UTC)

// FakeClock is a manually advanced wall clock for tests.
//
// Stores, publishers and the WAL take a func() time.Time; pass
// clock.Now so tests decide when leases expire and retries come due.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock at start. A zero start means DefaultEpoch.
func NewFakeClock(start time.Time) *FakeClock {
	if start.IsZero() {
		start = DefaultEpoch
	}
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
