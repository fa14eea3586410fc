package clock

import (
	"sync"
	"time"
)

// Clock provides the current time.
// Services take a Clock so sweeps and transitions can be driven from tests.
type Clock interface {
	Now() time.Time
}

// Real reads the system clock.
type Real struct{}

// Now returns the current system time in UTC.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// Test is a manually advanced clock.
type Test struct {
	mu      sync.Mutex
	current time.Time
}

// NewTest returns a test clock fixed at t.
func NewTest(t time.Time) *Test {
	return &Test{current: t.UTC()}
}

// Now returns the test time.
func (c *Test) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Set moves the clock to t.
func (c *Test) Set(t time.Time) {
	c.mu.Lock()
	c.current = t.UTC()
	c.mu.Unlock()
}

// Advance moves the clock forward by d.
func (c *Test) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
