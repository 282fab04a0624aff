package gateway

import (
	"testing"
	"time"

	"github.com/basket/leadops/internal/config"
)

func TestTokenBucket_Refill(t *testing.T) {
	now := time.Unix(0, 0)
	tb := NewTokenBucket(60, 2, now)
	if !tb.Allow(now) || !tb.Allow(now) {
		t.Fatal("burst of 2 should be allowed")
	}
	if tb.Allow(now) {
		t.Fatal("third request should be limited")
	}
	if !tb.Allow(now.Add(time.Second)) {
		t.Fatal("one token should refill after a second at 60 rpm")
	}
}

func TestRateLimiter_DisabledAllowsAll(t *testing.T) {
	rl := NewRateLimiter(config.RateLimitConfig{RequestsPerMinute: 1, BurstSize: 1})
	for i := 0; i < 10; i++ {
		if !rl.Allow("agent") {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}
	if rl.BucketCount() != 0 {
		t.Fatal("disabled limiter should not track buckets")
	}
}

func TestRateLimiter_EvictStale(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter(config.RateLimitConfig{Enabled: true})
	rl.now = func() time.Time { return now }
	rl.Allow("a")
	now = now.Add(time.Minute)
	rl.Allow("b")

	if n := rl.EvictStale(30 * time.Second); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if rl.BucketCount() != 1 {
		t.Fatalf("expected 1 bucket left, got %d", rl.BucketCount())
	}
}
