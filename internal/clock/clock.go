// Package clock abstracts time for polling and stabilization delays so the
// workers that depend on them stay testable without real sleeps.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock provides the current time and a context-aware sleep.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the production clock backed by the time package.
type System struct{}

// Now implements Clock.
func (System) Now() time.Time { return time.Now() }

// Sleep blocks for d or until ctx is cancelled, returning ctx.Err() in the
// latter case.
func (System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fake is a deterministic clock for tests. Sleep returns immediately and
// advances the fake time by the requested duration.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration

	// OnSleep, when set, runs after each Sleep with the total number of
	// sleeps performed so far. Tests use it to mutate files between polls.
	OnSleep func(n int)
}

// NewFake creates a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now implements Clock.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep implements Clock without blocking.
func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.slept = append(f.slept, d)
	n := len(f.slept)
	hook := f.OnSleep
	f.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

// Sleeps returns the durations passed to Sleep, in order.
func (f *Fake) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.slept))
	copy(out, f.slept)
	return out
}
