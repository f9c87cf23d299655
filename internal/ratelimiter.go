package internal

import (
	"sync"
	"time"
)

// slidingWindow is a log of recent event times.
type slidingWindow struct {
	hits []time.Time
}

func (w *slidingWindow) allow(now time.Time, limit int, span time.Duration) bool {
	cutoff := now.Add(-span)
	idx := 0
	for _, ts := range w.hits {
		if ts.After(cutoff) {
			w.hits[idx] = ts
			idx++
		}
	}
	w.hits = w.hits[:idx]
	if len(w.hits) >= limit {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

func (w *slidingWindow) idle(now time.Time, span time.Duration) bool {
	return len(w.hits) == 0 || !w.hits[len(w.hits)-1].After(now.Add(-span))
}

// RateLimiter allows at most limit events per key within window.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*slidingWindow
	limit   int
	window  time.Duration
	now     func() time.Time
	calls   int
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*slidingWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.calls++
	if r.calls%1024 == 0 {
		r.pruneLocked(now)
	}
	w, ok := r.windows[key]
	if !ok {
		w = &slidingWindow{}
		r.windows[key] = w
	}
	return w.allow(now, r.limit, r.window)
}

// pruneLocked forgets keys with no hits inside the window.
func (r *RateLimiter) pruneLocked(now time.Time) {
	for key, w := range r.windows {
		if w.idle(now, r.window) {
			delete(r.windows, key)
		}
	}
}
