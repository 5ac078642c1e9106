package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config bounds a named action: at most MaxActions recorded actions within
// the trailing Window. If Cooldown is non-zero, tripping the limit arms a
// cooldown that blocks the action for the full duration even as old
// entries leave the window.
type Config struct {
	MaxActions int
	Window     time.Duration
	Cooldown   time.Duration
}

// Decision is the outcome of a CanPerform check. Wait is how long the
// caller must hold off before the action can succeed; zero when Allowed.
type Decision struct {
	Allowed bool
	Reason  string
	Wait    time.Duration
}

type bucket struct {
	mu            sync.Mutex
	stamps        []time.Time
	cooldownUntil time.Time
}

// Limiter gates named actions with a sliding window plus optional
// cooldown. Independent keys never contend on the same lock; the outer
// mutex only guards bucket creation.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// New returns a Limiter. A nil clock uses time.Now.
func New(clock func() time.Time) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     clock,
	}
}

func (l *Limiter) bucket(key string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}
	return b
}

// CanPerform reports whether the action identified by key may run under
// cfg. Checking never counts as an attempt; callers that go on to perform
// the action must call Record.
func (l *Limiter) CanPerform(key string, cfg Config) Decision {
	b := l.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()

	if !b.cooldownUntil.IsZero() {
		if remaining := b.cooldownUntil.Sub(now); remaining > 0 {
			return Decision{
				Reason: fmt.Sprintf("cooling down for %s", key),
				Wait:   remaining,
			}
		}
		b.cooldownUntil = time.Time{}
	}

	b.prune(now, cfg.Window)

	if len(b.stamps) >= cfg.MaxActions {
		wait := b.stamps[0].Add(cfg.Window).Sub(now)
		if cfg.Cooldown > 0 {
			b.cooldownUntil = now.Add(cfg.Cooldown)
			if cfg.Cooldown > wait {
				wait = cfg.Cooldown
			}
		}
		return Decision{
			Reason: fmt.Sprintf("too many %s actions", key),
			Wait:   wait,
		}
	}

	return Decision{Allowed: true}
}

// Record registers that the action actually happened.
func (l *Limiter) Record(key string) {
	b := l.bucket(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stamps = append(b.stamps, l.now())
}

// prune drops stamps that have fallen out of the trailing window. Caller
// holds b.mu.
func (b *bucket) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(b.stamps) && !b.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[i:]...)
	}
}
