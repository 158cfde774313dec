package ratelimit

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterCapsTriggers(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewLimiter(client, 2, 0.1)

	allowed, err := limiter.Acquire(ctx, "10.0.0.1")
	if err != nil || !allowed {
		t.Fatalf("first trigger: allowed=%v err=%v", allowed, err)
	}
	allowed, _ = limiter.Acquire(ctx, "10.0.0.1")
	if !allowed {
		t.Fatalf("second trigger should pass")
	}
	allowed, _ = limiter.Acquire(ctx, "10.0.0.1")
	if allowed {
		t.Fatalf("third trigger should be rejected")
	}

	// a different caller has its own bucket
	allowed, _ = limiter.Acquire(ctx, "10.0.0.2")
	if !allowed {
		t.Fatalf("independent caller should not share the bucket")
	}

	// Note: refill cannot be tested with miniredis.FastForward() because the
	// Lua script receives time from Go's time.Now(), not Redis's clock.
}
