package memory

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements domain.RateLimiter with fixed windows per key. It
// is the single-process stand-in for the Redis sliding-window limiter and
// can admit up to twice the limit across a window boundary, which the
// sliding window does not.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]window), now: time.Now}
}

// Allow counts one request for key and reports whether it is within limit
// for the current window.
func (rl *RateLimiter) Allow(_ context.Context, key string, limit int, win time.Duration) (bool, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w := rl.windows[key]
	if w.start.IsZero() || now.Sub(w.start) >= win {
		w = window{start: now}
	}
	w.count++
	rl.windows[key] = w

	if len(rl.windows) > 4096 {
		for k, old := range rl.windows {
			if now.Sub(old.start) >= win {
				delete(rl.windows, k)
			}
		}
	}
	return w.count <= limit, nil
}
