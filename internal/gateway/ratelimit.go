package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/roomgate/internal/metrics"
)

const (
	maxLimiterKeys  = 10000
	limiterIdleTime = 10 * time.Minute
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-key token bucket (one bucket per sender). The key map
// is bounded: once it reaches maxLimiterKeys, idle entries are evicted.
type RateLimiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	entries map[string]*limiterEntry
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per key
// with the given burst. rpm <= 0 disables limiting.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rpm:     rpm,
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		now:     time.Now,
	}
}

// Enabled reports whether limiting is active.
func (rl *RateLimiter) Enabled() bool { return rl.rpm > 0 }

// Allow consumes one token for key. endpoint labels the metric on rejection.
func (rl *RateLimiter) Allow(key, endpoint string) bool {
	if !rl.Enabled() {
		return true
	}
	now := rl.now()

	rl.mu.Lock()
	e, ok := rl.entries[key]
	if !ok {
		if len(rl.entries) >= maxLimiterKeys {
			rl.evictLocked(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(rl.rpm)), rl.burst)}
		rl.entries[key] = e
	}
	e.lastSeen = now
	allowed := e.lim.AllowN(now, 1)
	rl.mu.Unlock()

	if !allowed {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
	}
	return allowed
}

// RetryAfter is the time until one more token is available for a key at
// the configured rate.
func (rl *RateLimiter) RetryAfter() time.Duration {
	if !rl.Enabled() {
		return 0
	}
	return time.Minute / time.Duration(rl.rpm)
}

// evictLocked drops idle entries. If every entry is recent it clears the
// map: a burst of distinct senders that large is not worth tracking.
func (rl *RateLimiter) evictLocked(now time.Time) {
	for k, e := range rl.entries {
		if now.Sub(e.lastSeen) > limiterIdleTime {
			delete(rl.entries, k)
		}
	}
	if len(rl.entries) >= maxLimiterKeys {
		rl.entries = make(map[string]*limiterEntry)
	}
}

// Len returns the number of tracked keys.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}
