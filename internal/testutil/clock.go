package testutil

import "sync"

// Clock is a thread-safe settable Unix-time source for tests.
//
// Managers take a now func() int64; wiring in clock.Now makes every
// timestamp in a scenario deterministic, so the same scenario produces
// byte-identical traces run after run.
type Clock struct {
	mu  sync.Mutex
	now int64
}

// NewClock creates a clock pinned at the given Unix timestamp.
func NewClock(start int64) *Clock {
	return &Clock{now: start}
}

// Now returns the current timestamp without advancing.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by the given number of seconds.
func (c *Clock) Advance(seconds int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += seconds
}

// Set pins the clock to an absolute timestamp. Used for test reuse.
func (c *Clock) Set(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ts
}
