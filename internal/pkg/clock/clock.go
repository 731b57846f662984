// Package clock provides the timestamp source for event emission: UTC wall
// time at microsecond precision plus a monotonic nanosecond counter relative
// to process start. Injectable so sinks and queries are testable against a
// fixed time.
package clock

import (
	"sync"
	"time"
)

// Clock is the timestamp source used across the monitor.
type Clock interface {
	// Now returns the current wall-clock time in UTC, truncated to
	// microsecond precision to match the persisted ts_wall format.
	Now() time.Time

	// Mono returns nanoseconds elapsed since the clock was created. Only
	// meaningful for ordering within one process run.
	Mono() int64
}

type systemClock struct {
	start time.Time
}

// New returns a Clock backed by the system time, with the monotonic origin
// at the moment of the call.
func New() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (c *systemClock) Mono() int64 {
	return time.Since(c.start).Nanoseconds()
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu   sync.Mutex
	now  time.Time
	mono int64
}

// NewFake returns a Fake pinned to the given wall time.
func NewFake(now time.Time) *Fake {
	return &Fake{now: now.UTC()}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Truncate(time.Microsecond)
}

func (f *Fake) Mono() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Each read ticks so that consecutive stamps stay distinct.
	f.mono++
	return f.mono
}

// Advance moves the fake wall clock forward.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake wall clock to an absolute time.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t.UTC()
}
