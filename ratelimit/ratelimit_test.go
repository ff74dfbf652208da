package ratelimit

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestHitCountsWithinWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewLimiter(WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		if limiter.Hit("pk:events:60000", 1, time.Minute, 5) {
			t.Fatalf("hit %d should not be limited", i+1)
		}
		clock.Advance(time.Second)
	}
	if !limiter.Hit("pk:events:60000", 1, time.Minute, 5) {
		t.Fatal("sixth hit within the window should be limited")
	}
}

func TestWindowSlides(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewLimiter(WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		limiter.Hit("key", 1, time.Minute, 5)
	}
	clock.Advance(61 * time.Second)
	if limiter.Hit("key", 1, time.Minute, 5) {
		t.Fatal("hits outside the trailing window must not count")
	}
}

func TestWeightedHits(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewLimiter(WithClock(clock.Now))

	if limiter.Hit("key", 3, time.Minute, 5) {
		t.Fatal("3 of 5 should not be limited")
	}
	if !limiter.Hit("key", 3, time.Minute, 5) {
		t.Fatal("6 of 5 should be limited")
	}
}

func TestIndependentKeys(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewLimiter(WithClock(clock.Now))

	for i := 0; i < 6; i++ {
		limiter.Hit("a", 1, time.Minute, 5)
	}
	if limiter.Hit("b", 1, time.Minute, 5) {
		t.Fatal("keys must not share counters")
	}
}

func TestOverLimitHitsStillRecorded(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewLimiter(WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		limiter.Hit("key", 1, time.Hour, 5)
		clock.Advance(time.Second)
	}
	// If over-limit hits were dropped the counter would sit at the rate and
	// the window sliding past the first five would unblock too early.
	clock.Advance(50 * time.Minute)
	if !limiter.Hit("key", 1, time.Hour, 5) {
		t.Fatal("all ten hits should still be inside the hour window")
	}
}

func TestTTLPrunesIdleKeys(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewLimiter(WithClock(clock.Now), WithTTL(time.Minute))

	for i := 0; i < 16; i++ {
		limiter.Hit(fmt.Sprintf("key-%d", i), 1, time.Minute, 5)
	}
	if got := limiter.Len(); got != 16 {
		t.Fatalf("expected 16 tracked keys, got %d", got)
	}

	clock.Advance(2 * time.Minute)
	limiter.Hit("fresh", 1, time.Minute, 5)
	if got := limiter.Len(); got != 1 {
		t.Fatalf("expected stale keys pruned, got %d", got)
	}
}

func TestCapEvictsLeastRecent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := NewLimiter(WithClock(clock.Now), WithCap(8), WithTTL(time.Hour))

	for i := 0; i < 64; i++ {
		limiter.Hit(fmt.Sprintf("key-%d", i), 1, time.Minute, 5)
		clock.Advance(time.Millisecond)
		if got := limiter.Len(); got > 8 {
			t.Fatalf("cap exceeded: %d tracked keys", got)
		}
	}
}
