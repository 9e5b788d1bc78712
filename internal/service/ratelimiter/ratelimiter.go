// Package ratelimiter enforces per-tenant and per-IP request limits with a
// sliding one-minute window.
package ratelimiter

import (
	"context"
	"sync"
	"time"
)

// Limiter answers whether one more request under the given key fits within
// the limit for the current window. Implementations fail open so that a
// limiter outage never takes the API down with it.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, retryAfter time.Duration, err error)
}

// MemoryLimiter keeps per-key request timestamps in process memory. It is
// the default backend for single-instance deployments.
type MemoryLimiter struct {
	window time.Duration
	mu     sync.Mutex
	seen   map[string][]time.Time

	now func() time.Time
}

// NewMemoryLimiter creates a limiter with the given window size.
func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{
		window: window,
		seen:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records the request when it fits and reports how long to wait when
// it does not. A non-positive limit disables limiting for the key.
func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int) (bool, time.Duration, error) {
	if l == nil || limit <= 0 {
		return true, 0, nil
	}

	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.seen[key]
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]

	if len(stamps) >= limit {
		l.seen[key] = stamps
		retry := stamps[0].Add(l.window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return false, retry, nil
	}

	l.seen[key] = append(stamps, now)
	return true, 0, nil
}

// Cleanup drops keys whose whole window has expired. The application janitor
// calls this periodically so idle tenants do not accumulate.
func (l *MemoryLimiter) Cleanup() {
	if l == nil {
		return
	}
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, stamps := range l.seen {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(l.seen, key)
		}
	}
}
