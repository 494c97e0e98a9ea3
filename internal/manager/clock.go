package manager

import (
	"sync/atomic"
	"time"
)

// Clock yields the current time in epoch seconds.
type Clock interface {
	Now() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current epoch second.
func (SystemClock) Now() int64 {
	return time.Now().Unix()
}

// FixedClock is a settable clock for tests.
type FixedClock struct {
	now atomic.Int64
}

// NewFixedClock creates a clock stopped at now.
func NewFixedClock(now int64) *FixedClock {
	c := &FixedClock{}
	c.now.Store(now)
	return c
}

// Now returns the stored time.
func (c *FixedClock) Now() int64 {
	return c.now.Load()
}

// Set moves the clock to now.
func (c *FixedClock) Set(now int64) {
	c.now.Store(now)
}

// Advance moves the clock forward by d seconds.
func (c *FixedClock) Advance(d int64) {
	c.now.Add(d)
}
