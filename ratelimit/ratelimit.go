// Package ratelimit implements the shared sliding-window counter consulted
// by the admission pipeline. Windows are tracked per key; stale keys are
// pruned by TTL and the tracked set is capped to bound memory.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultTTL = 2 * time.Hour
	defaultCap = 65536
)

// Limiter answers "did this key exceed rate hits in the last period,
// counting this hit?". It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	ttl time.Duration
	cap int
	now func() time.Time
}

type window struct {
	hits     []hit
	lastSeen time.Time
}

type hit struct {
	at     time.Time
	weight int
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTTL overrides how long an idle key stays tracked.
func WithTTL(d time.Duration) Option {
	return func(l *Limiter) { l.ttl = d }
}

// WithCap overrides the maximum number of tracked keys.
func WithCap(n int) Option {
	return func(l *Limiter) { l.cap = n }
}

// WithClock overrides the time source. Tests use this to drive windows
// deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter constructs a limiter with sensible defaults.
func NewLimiter(opts ...Option) *Limiter {
	limiter := &Limiter{
		windows: make(map[string]*window),
		ttl:     defaultTTL,
		cap:     defaultCap,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(limiter)
	}
	if limiter.ttl < 0 {
		limiter.ttl = 0
	}
	if limiter.cap < 0 {
		limiter.cap = 0
	}
	return limiter
}

// Hit counts weight into the key's window and reports whether the
// resulting total exceeds rate within the trailing period. The hit is
// always recorded, even when the key is already over the limit, so
// concurrent rules observe consistent counters.
func (l *Limiter) Hit(key string, weight int, period time.Duration, rate int) bool {
	if weight <= 0 {
		weight = 1
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)

	state := l.windows[key]
	if state == nil {
		state = &window{}
		l.windows[key] = state
	}

	cutoff := now.Add(-period)
	kept := state.hits[:0]
	total := 0
	for _, h := range state.hits {
		if h.at.After(cutoff) {
			kept = append(kept, h)
			total += h.weight
		}
	}
	state.hits = append(kept, hit{at: now, weight: weight})
	state.lastSeen = now
	total += weight

	if l.cap > 0 && len(l.windows) > l.cap {
		l.enforceCapLocked()
	}

	return total > rate
}

// Len returns the number of tracked keys. Primarily for testing.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) pruneLocked(now time.Time) {
	if l.ttl <= 0 {
		return
	}
	for key, state := range l.windows {
		if now.Sub(state.lastSeen) > l.ttl {
			delete(l.windows, key)
		}
	}
}

func (l *Limiter) enforceCapLocked() {
	type entry struct {
		key      string
		lastSeen time.Time
	}
	entries := make([]entry, 0, len(l.windows))
	for key, state := range l.windows {
		entries = append(entries, entry{key: key, lastSeen: state.lastSeen})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastSeen.Before(entries[j].lastSeen)
	})
	excess := len(l.windows) - l.cap
	for i := 0; i < excess && i < len(entries); i++ {
		delete(l.windows, entries[i].key)
	}
}
