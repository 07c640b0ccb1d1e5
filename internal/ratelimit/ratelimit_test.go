package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryRateLimiterAllow(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	allowed, remaining, _, err := rl.Allow(ctx, "user-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("first request should be allowed")
	}
	if remaining != 2 {
		t.Errorf("expected remaining 2, got %d", remaining)
	}

	rl.Allow(ctx, "user-1", 3)
	rl.Allow(ctx, "user-1", 3)

	allowed, remaining, _, err = rl.Allow(ctx, "user-1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected rejection past the limit")
	}
	if remaining != 0 {
		t.Errorf("expected remaining 0, got %d", remaining)
	}
}

func TestInMemoryRateLimiterIsolatesUsers(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	rl.Allow(ctx, "user-1", 1)

	if allowed, _, _, _ := rl.Allow(ctx, "user-1", 1); allowed {
		t.Error("user-1 should be limited")
	}
	if allowed, _, _, _ := rl.Allow(ctx, "user-2", 1); !allowed {
		t.Error("user-2 must have its own window")
	}
}

func TestInMemoryRateLimiterResetTime(t *testing.T) {
	rl := NewInMemoryRateLimiter()

	_, _, resetAt, err := rl.Allow(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	diff := resetAt.Sub(time.Now().Add(time.Minute))
	if diff < -time.Second || diff > time.Second {
		t.Errorf("resetAt should be about a minute out, diff %v", diff)
	}
}
