package gateway

import (
	"net/http"
	"sync"
	"time"
)

// RateLimitSettings throttles API clients per token, falling back to
// the remote address for unauthenticated requests.
type RateLimitSettings struct {
	Enabled           bool
	RequestsPerMinute int
	BurstSize         int
}

// tokenBucket is a simple refill-on-read token bucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(requestsPerMinute, burstSize int) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) last() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimitMiddleware enforces per-client limits with token buckets.
type RateLimitMiddleware struct {
	mu       sync.RWMutex
	buckets  map[string]*tokenBucket
	settings RateLimitSettings
}

func NewRateLimitMiddleware(settings RateLimitSettings) *RateLimitMiddleware {
	if settings.RequestsPerMinute <= 0 {
		settings.RequestsPerMinute = 60
	}
	if settings.BurstSize <= 0 {
		settings.BurstSize = 10
	}
	return &RateLimitMiddleware{
		buckets:  make(map[string]*tokenBucket),
		settings: settings,
	}
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.settings.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := extractToken(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.getBucket(key).allow() {
			w.Header().Set("Retry-After", "1")
			respondJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// EvictStale drops buckets idle longer than maxAge so unique clients
// cannot grow the map without bound.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, bucket := range rl.buckets {
		if bucket.last().Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

func (rl *RateLimitMiddleware) getBucket(key string) *tokenBucket {
	rl.mu.RLock()
	bucket, ok := rl.buckets[key]
	rl.mu.RUnlock()
	if ok {
		return bucket
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, ok = rl.buckets[key]; ok {
		return bucket
	}
	bucket = newTokenBucket(rl.settings.RequestsPerMinute, rl.settings.BurstSize)
	rl.buckets[key] = bucket
	return bucket
}
