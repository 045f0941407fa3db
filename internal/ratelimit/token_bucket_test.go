package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestAllowConsumesTokens(t *testing.T) {
	b := testBucket(t, 2, 0)
	ctx := context.Background()

	allowed, tokens, err := b.Allow(ctx, "rl:client-a")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatalf("first request should pass")
	}
	if tokens != 1 {
		t.Fatalf("expected 1 token left, got %f", tokens)
	}

	allowed, _, err = b.Allow(ctx, "rl:client-a")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatalf("second request should pass")
	}

	allowed, tokens, err = b.Allow(ctx, "rl:client-a")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatalf("bucket exhausted, request should be rejected")
	}
	if tokens >= 1 {
		t.Fatalf("expected less than one token, got %f", tokens)
	}
}

func TestBucketsAreIndependentPerKey(t *testing.T) {
	b := testBucket(t, 1, 0)
	ctx := context.Background()

	if allowed, _, _ := b.Allow(ctx, "rl:client-a"); !allowed {
		t.Fatalf("client-a first request should pass")
	}
	if allowed, _, _ := b.Allow(ctx, "rl:client-a"); allowed {
		t.Fatalf("client-a bucket exhausted")
	}
	if allowed, _, _ := b.Allow(ctx, "rl:client-b"); !allowed {
		t.Fatalf("client-b has its own bucket")
	}
}

func TestBucketRefills(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewTokenBucket(client, 1, 1000, time.Minute)
	ctx := context.Background()

	if allowed, _, _ := b.Allow(ctx, "rl:fast"); !allowed {
		t.Fatalf("first request should pass")
	}

	// At 1000 tokens per second the bucket is full again almost immediately.
	time.Sleep(5 * time.Millisecond)
	if allowed, _, err := b.Allow(ctx, "rl:fast"); err != nil || !allowed {
		t.Fatalf("expected refill to admit the request, allowed=%v err=%v", allowed, err)
	}
}
