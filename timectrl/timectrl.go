package timectrl

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the scheduling loop, the Doppler
// controller, and the session manager. Components depend on this
// abstraction rather than the time package so tests can drive time
// deterministically.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time
}

// RealClock delegates to wall-clock time.
type RealClock struct{}

func (RealClock) Now() time.Time                         { return time.Now() }
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SimClock is a manually advanced clock. After-channels fire when Advance
// moves the simulated time past their deadline, in deadline order, so a
// test can step a tick loop one period at a time.
type SimClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*simTimer
}

type simTimer struct {
	at time.Time
	ch chan time.Time
}

// NewSimClock constructs a simulated clock starting at start.
func NewSimClock(start time.Time) *SimClock {
	return &SimClock{now: start}
}

// Now returns the current simulated time.
func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After registers a timer d from the current simulated time.
func (c *SimClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &simTimer{at: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		t.ch <- c.now
		return t.ch
	}
	c.timers = append(c.timers, t)
	return t.ch
}

// Advance moves simulated time forward by d, firing every timer whose
// deadline falls inside the step. Timers fire in deadline order and
// receive their own deadline as the tick value.
func (c *SimClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	due := make([]*simTimer, 0)
	remaining := c.timers[:0]
	for _, t := range c.timers {
		if !t.at.After(target) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.now = target
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.ch <- t.at
	}
}

// Pending reports how many timers have not fired yet. Intended for tests
// that need to wait for a component to arm its next tick.
func (c *SimClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
