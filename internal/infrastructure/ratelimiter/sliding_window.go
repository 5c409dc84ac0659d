package ratelimiter

import (
	"sync"
	"time"
)

// SlidingWindow admits at most limit actions per key within any trailing
// window. State is in-memory only and resets with the process.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	now    func() time.Time
	hits   map[string][]time.Time
}

type Option func(*SlidingWindow)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(sw *SlidingWindow) {
		sw.now = now
	}
}

func NewSlidingWindow(limit int, window time.Duration, opts ...Option) *SlidingWindow {
	sw := &SlidingWindow{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}

	for _, opt := range opts {
		opt(sw)
	}

	return sw
}

// prune drops timestamps at least one window old. Callers hold sw.mu.
func (sw *SlidingWindow) prune(key string, now time.Time) []time.Time {
	hits := sw.hits[key]

	i := 0
	for i < len(hits) && now.Sub(hits[i]) >= sw.window {
		i++
	}
	hits = hits[i:]

	if len(hits) == 0 {
		delete(sw.hits, key)
		return nil
	}

	sw.hits[key] = hits
	return hits
}

// Allow records and admits the action when key is under the limit.
func (sw *SlidingWindow) Allow(key string) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	hits := sw.prune(key, now)
	if len(hits) >= sw.limit {
		return false
	}

	sw.hits[key] = append(hits, now)
	return true
}

// RetryAfter is how long until key may act again; zero when it may act now.
func (sw *SlidingWindow) RetryAfter(key string) time.Duration {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := sw.now()
	hits := sw.prune(key, now)
	if len(hits) < sw.limit {
		return 0
	}

	return sw.window - now.Sub(hits[len(hits)-sw.limit])
}

// Forget drops the window for key.
func (sw *SlidingWindow) Forget(key string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	delete(sw.hits, key)
}
