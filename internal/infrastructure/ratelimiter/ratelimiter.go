package ratelimiter

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultSourceKey = "X-RateLimit-Key"

// Limiter throttles HTTP requests per source.
type Limiter interface {
	Allow(sourceKey string) bool
	GetSourceKey(r *http.Request) string
	Remaining(sourceKey string) int
	GetMaxBurst() int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type RateLimiter struct {
	maxRatePerSecond int
	maxBurst         int
	cacheTTL         time.Duration
	sourceHeaderKey  string

	mu      sync.Mutex
	buckets map[string]*bucket
}

type Options struct {
	MaxRatePerSecond int
	MaxBurst         int
	CacheTTL         time.Duration
	SourceHeaderKey  string
}

func New(options Options) *RateLimiter {
	if options.CacheTTL == 0 {
		options.CacheTTL = 10 * time.Second
	}

	if options.MaxBurst <= 0 {
		options.MaxBurst = options.MaxRatePerSecond
	}

	if options.SourceHeaderKey == "" {
		options.SourceHeaderKey = defaultSourceKey
	}

	return &RateLimiter{
		maxRatePerSecond: options.MaxRatePerSecond,
		maxBurst:         options.MaxBurst,
		cacheTTL:         options.CacheTTL,
		sourceHeaderKey:  options.SourceHeaderKey,
		buckets:          make(map[string]*bucket),
	}
}

func (rl *RateLimiter) get(sourceKey string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.buckets[sourceKey]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.maxRatePerSecond), rl.maxBurst)}
		rl.buckets[sourceKey] = b
	}
	b.lastSeen = now

	return b.limiter
}

func (rl *RateLimiter) Allow(sourceKey string) bool {
	return rl.get(sourceKey).Allow()
}

func (rl *RateLimiter) Remaining(sourceKey string) int {
	tokens := int(rl.get(sourceKey).Tokens())
	if tokens < 0 {
		return 0
	}
	return tokens
}

func (rl *RateLimiter) GetMaxBurst() int {
	return rl.maxBurst
}

func (rl *RateLimiter) GetSourceKey(r *http.Request) string {
	if key := r.Header.Get(rl.sourceHeaderKey); key != "" {
		return key
	}

	// Fall back to IP address
	return r.RemoteAddr
}

// Sweep forgets sources idle for longer than the cache TTL.
func (rl *RateLimiter) Sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-rl.cacheTTL)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}

	return removed
}
