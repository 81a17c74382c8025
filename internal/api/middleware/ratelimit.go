package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/errtrack/internal/api/response"
	"github.com/kiranshivaraju/errtrack/internal/cache"
)

const (
	defaultRequestsPerMinute = 60
	apiWindow                = time.Minute
)

// RateLimit caps operator API requests per API key in fixed one-minute
// windows. Windows are aligned to the clock, the same bucketing the ingest
// limiter uses, so every instance sharing the cache agrees on the reset time.
type RateLimit struct {
	cache cache.Cache
	max   int
	now   func() time.Time
}

// NewRateLimit creates a RateLimit allowing requestsPerMin per key.
func NewRateLimit(c cache.Cache, requestsPerMin int) *RateLimit {
	if requestsPerMin <= 0 {
		requestsPerMin = defaultRequestsPerMinute
	}
	return &RateLimit{cache: c, max: requestsPerMin, now: time.Now}
}

// WithClock replaces the time source.
func (rl *RateLimit) WithClock(now func() time.Time) *RateLimit {
	rl.now = now
	return rl
}

// Limit counts the request against the key_prefix set by Auth. Requests
// without one pass through; cache failures let the request through.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix, ok := getKeyPrefix(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		now := rl.now()
		bucket := cache.WindowBucket(now, apiWindow)
		count, err := rl.cache.IncrWithExpiry(r.Context(), cache.RateLimitKey(prefix, bucket), apiWindow)
		if err != nil {
			slog.Warn("operator rate limit unavailable, allowing request", "key_prefix", prefix, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		reset := time.Unix(0, (bucket+1)*int64(apiWindow))
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(rl.max))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(int64(rl.max)-count, 0), 10))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if count > int64(rl.max) {
			wait := (reset.Sub(now) + time.Second - 1) / time.Second
			h.Set("Retry-After", strconv.FormatInt(int64(max(wait, 1)), 10))
			response.Error(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Too many requests", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}
