package cache

import (
	"fmt"
	"time"
)

// RateLimitKey is the request counter for one operator API key in one fixed
// window.
func RateLimitKey(keyPrefix string, bucket int64) string {
	return fmt.Sprintf("ratelimit:key:%s:%d", keyPrefix, bucket)
}

// IngestRateLimitKey is the accepted-event counter for one fingerprint in one
// fixed window. The bucket is the window index since the Unix epoch.
func IngestRateLimitKey(fingerprint string, bucket int64) string {
	return fmt.Sprintf("ratelimit:fp:%s:%d", fingerprint, bucket)
}

// WindowBucket returns the index of the fixed window containing t.
func WindowBucket(t time.Time, window time.Duration) int64 {
	return t.UnixNano() / int64(window)
}

// GroupStatsKey holds the cached per-status group counts.
func GroupStatsKey() string {
	return "errors:stats"
}
