package monitor

import (
	"fmt"
	"sync"
	"time"
)

// RateLimiter tracks attempt timestamps in a sliding window and raises a
// rate-limit alert on the Monitor when the limit is exceeded. It never
// refuses an attempt.
type RateLimiter struct {
	monitor *Monitor
	limit   int
	window  time.Duration
	now     func() time.Time

	mu       sync.Mutex
	attempts []time.Time
}

// NewRateLimiter creates a limiter allowing limit attempts per window.
// A limit of zero or less disables it.
func NewRateLimiter(m *Monitor, limit int, window time.Duration) *RateLimiter {
	now := time.Now
	if m != nil {
		now = m.opts.Now
	}
	return &RateLimiter{monitor: m, limit: limit, window: window, now: now}
}

// Attempt records one attempt from source and reports whether the limit
// was exceeded.
func (r *RateLimiter) Attempt(source string) bool {
	if r == nil || r.limit <= 0 {
		return false
	}

	now := r.now()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	kept := r.attempts[:0]
	for _, t := range r.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.attempts = append(kept, now)
	count := len(r.attempts)
	r.mu.Unlock()

	if count <= r.limit {
		return false
	}
	if r.monitor != nil {
		r.monitor.Record(SeverityHigh, TypeRateLimit, source,
			fmt.Sprintf("%d connection attempts in %s exceeds limit of %d", count, r.window, r.limit))
	}
	return true
}

// Count returns the attempts inside the current window.
func (r *RateLimiter) Count() int {
	if r == nil {
		return 0
	}
	cutoff := r.now().Add(-r.window)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.attempts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
