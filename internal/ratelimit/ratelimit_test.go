package ratelimit_test

import (
	"testing"
	"time"

	"github.com/nixpig/trainrunner/internal/ratelimit"
)

func TestLimiterAdmitsUpToMax(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(3, time.Minute)

	for i := range 3 {
		if !l.Allow("client-a") {
			t.Fatalf("expected request %d to be admitted", i+1)
		}
	}

	if l.Allow("client-a") {
		t.Errorf("expected request over budget to be rejected")
	}
}

func TestLimiterIdentitiesAreIndependent(t *testing.T) {
	t.Parallel()

	l := ratelimit.New(1, time.Minute)

	if !l.Allow("client-a") {
		t.Fatalf("expected first request from client-a to be admitted")
	}

	if !l.Allow("client-b") {
		t.Errorf("expected first request from client-b to be admitted")
	}

	if l.Allow("client-a") {
		t.Errorf("expected second request from client-a to be rejected")
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := ratelimit.NewWithClock(2, time.Minute, clock.now)

	if !l.Allow("client-a") || !l.Allow("client-a") {
		t.Fatalf("expected first two requests to be admitted")
	}

	if l.Allow("client-a") {
		t.Fatalf("expected third request inside window to be rejected")
	}

	// Move just past the window so the oldest timestamps fall out.
	clock.advance(time.Minute + time.Second)

	if !l.Allow("client-a") {
		t.Errorf("expected request to be admitted after window slid")
	}
}

func TestLimiterSweepRemovesIdleIdentities(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	l := ratelimit.NewWithClock(1, time.Minute, clock.now)

	l.Allow("client-a")

	clock.advance(2 * time.Minute)
	l.Sweep()

	if got := l.TrackedIdentities(); got != 0 {
		t.Errorf("expected no tracked identities after sweep: got '%d'", got)
	}
}

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}
