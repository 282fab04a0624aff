package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/basket/leadops/internal/config"
	"github.com/basket/leadops/internal/shared"
)

// TokenBucket is a refill-on-read token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func NewTokenBucket(requestsPerMinute, burstSize int, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow consumes a token when one is available.
func (tb *TokenBucket) Allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimiter keeps one bucket per authenticated agent.
type RateLimiter struct {
	cfg config.RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*TokenBucket
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 20
	}
	return &RateLimiter{cfg: cfg, now: time.Now, buckets: make(map[string]*TokenBucket)}
}

// Allow reports whether key may make another request.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.cfg.Enabled {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = NewTokenBucket(rl.cfg.RequestsPerMinute, rl.cfg.BurstSize, now)
		rl.buckets[key] = b
	}
	rl.mu.Unlock()
	return b.Allow(now)
}

// Middleware must run after authenticate; it buckets by agent id.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := shared.AgentID(r.Context())
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.Allow(key) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: errorDetail{
				Kind:    shared.KindRateLimited,
				Message: "rate limit exceeded",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartEviction drops buckets idle for longer than maxAge until ctx ends.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale returns how many buckets it removed.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	evicted := 0
	for key, b := range rl.buckets {
		if b.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	return evicted
}

func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
