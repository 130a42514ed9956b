// Package clock provides the injectable time source used by limiters and
// backends so window arithmetic is deterministic under test.
package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic time source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System returns the wall clock.
func System() Clock { return systemClock{} }

// Fake is a manually driven Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake frozen at the given instant.
func NewFake(at time.Time) *Fake {
	return &Fake{now: at}
}

// Now returns the frozen instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d. Negative values are ignored: the
// limiter core assumes time never runs backwards.
func (f *Fake) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set jumps the clock to the given instant.
func (f *Fake) Set(at time.Time) {
	f.mu.Lock()
	f.now = at
	f.mu.Unlock()
}
