// Package ratelimit provides sliding-window admission control keyed by caller
// identity. Each endpoint class gets its own Limiter with its own budget, so
// exhausting one class does not affect another.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most max requests per identity within a trailing window.
type Limiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	windows map[string][]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Limiter admitting max requests per identity per window.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// NewWithClock is like New but reads time from the supplied clock. Intended
// for tests that need to control the window.
func NewWithClock(max int, window time.Duration, now func() time.Time) *Limiter {
	l := New(max, window)
	l.now = now

	return l
}

// TrackedIdentities returns the number of identities currently holding a
// window, swept or not.
func (l *Limiter) TrackedIdentities() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.windows)
}

// Allow records a request attempt for identity and reports whether it is
// admitted. Timestamps older than the window are pruned on every check, so a
// rejected identity is admitted again once its oldest recorded request falls
// out of the window.
func (l *Limiter) Allow(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.windows[identity][:0]
	for _, ts := range l.windows[identity] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= l.max {
		l.windows[identity] = recent
		return false
	}

	l.windows[identity] = append(recent, now)

	return true
}

// Sweep removes identities whose windows hold no recent timestamps, bounding
// memory for identities that have gone quiet.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)

	for identity, window := range l.windows {
		empty := true

		for _, ts := range window {
			if ts.After(cutoff) {
				empty = false
				break
			}
		}

		if empty {
			delete(l.windows, identity)
		}
	}
}

// Run sweeps on the given interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			l.Sweep()
		}
	}
}
