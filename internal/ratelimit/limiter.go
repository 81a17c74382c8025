// Package ratelimit bounds accepted error events per fingerprint.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/errtrack/internal/cache"
)

// Limiter decides whether one more event for a fingerprint may be accepted.
type Limiter interface {
	Allow(ctx context.Context, fingerprint string, window time.Duration, max int) (bool, error)
}

// WindowLimiter is a fixed-window counter keyed by fingerprint and window
// bucket. The check-and-increment is a single atomic cache increment, so
// concurrent callers for the same fingerprint never double-count.
type WindowLimiter struct {
	cache   cache.Cache
	now     func() time.Time
	dropped atomic.Int64
}

// NewWindowLimiter creates a WindowLimiter backed by c.
func NewWindowLimiter(c cache.Cache) *WindowLimiter {
	return &WindowLimiter{cache: c, now: time.Now}
}

// WithClock replaces the time source. Used by tests to step across windows.
func (l *WindowLimiter) WithClock(now func() time.Time) *WindowLimiter {
	l.now = now
	return l
}

// Allow increments the fingerprint's counter for the current window and
// reports whether it is still within max. Rejected calls still increment,
// which keeps the counter monotonic within a window.
func (l *WindowLimiter) Allow(ctx context.Context, fingerprint string, window time.Duration, max int) (bool, error) {
	if window <= 0 || max <= 0 {
		return true, nil
	}

	bucket := cache.WindowBucket(l.now(), window)
	count, err := l.cache.IncrWithExpiry(ctx, cache.IngestRateLimitKey(fingerprint, bucket), window)
	if err != nil {
		return false, err
	}
	if count > int64(max) {
		l.dropped.Add(1)
		return false, nil
	}
	return true, nil
}

// Dropped returns how many events this limiter rejected since start.
func (l *WindowLimiter) Dropped() int64 {
	return l.dropped.Load()
}
