// Package ratelimit provides per-key fixed-window request limiting with
// retry-after hints for denied callers.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call. When OK is false, RetryAfter
// is a positive duration until the caller's window resets.
type Decision struct {
	OK         bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter counts calls per key in fixed windows. A nil limiter, or one
// with a non-positive limit, allows everything.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*counterWindow
	now     func() time.Time
}

type counterWindow struct {
	start time.Time
	count int
}

// New creates a limiter allowing limit calls per key within each window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  window,
		windows: make(map[string]*counterWindow),
		now:     time.Now,
	}
}

// Allow records one call for key and reports whether it is within limit.
func (l *Limiter) Allow(key string) Decision {
	if l == nil || l.limit <= 0 {
		return Decision{OK: true}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		w = &counterWindow{start: now}
		l.windows[key] = w
	}

	resetAt := w.start.Add(l.window)
	if w.count >= l.limit {
		retry := resetAt.Sub(now)
		if retry <= 0 {
			retry = time.Second
		}
		return Decision{OK: false, RetryAfter: retry, ResetAt: resetAt}
	}
	w.count++
	return Decision{OK: true, Remaining: l.limit - w.count, ResetAt: resetAt}
}

// Sweep drops windows that rolled over, so idle keys do not accumulate.
// Returns the number of evicted keys.
func (l *Limiter) Sweep() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	evicted := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.window {
			delete(l.windows, key)
			evicted++
		}
	}
	return evicted
}

// StartSweeper runs Sweep every period until ctx is cancelled.
func (l *Limiter) StartSweeper(ctx context.Context, period time.Duration) {
	if l == nil || period <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
