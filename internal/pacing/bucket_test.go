package pacing

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, actionsPerHour int) (*Bucket, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := NewHourlyBucket(client, actionsPerHour)
	clock := time.Date(2026, 2, 4, 10, 0, 0, 0, time.UTC)
	bucket.now = func() time.Time { return clock }
	return bucket, &clock
}

func TestBucketCapsPerAccount(t *testing.T) {
	ctx := context.Background()
	bucket, _ := newTestBucket(t, 2)

	allowed, _, err := bucket.Allow(ctx, "acct-1")
	if err != nil || !allowed {
		t.Fatalf("expected first action allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "acct-1")
	if !allowed {
		t.Fatalf("expected second action allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "acct-1")
	if allowed {
		t.Fatalf("expected third action rejected")
	}

	// Another account has its own bucket.
	allowed, _, _ = bucket.Allow(ctx, "acct-2")
	if !allowed {
		t.Fatalf("accounts must not share an allowance")
	}
}

func TestBucketRefillsAcrossTheHour(t *testing.T) {
	ctx := context.Background()
	bucket, clock := newTestBucket(t, 4)

	for i := 0; i < 4; i++ {
		if allowed, _, _ := bucket.Allow(ctx, "acct-1"); !allowed {
			t.Fatalf("action %d should be within the allowance", i)
		}
	}
	if allowed, _, _ := bucket.Allow(ctx, "acct-1"); allowed {
		t.Fatalf("allowance exhausted, action must be rejected")
	}

	// A quarter hour returns one token of a four-per-hour allowance.
	*clock = clock.Add(16 * time.Minute)
	allowed, left, err := bucket.Allow(ctx, "acct-1")
	if err != nil || !allowed {
		t.Fatalf("expected refilled token, got allowed=%v err=%v", allowed, err)
	}
	if left >= 1 {
		t.Fatalf("only one token should have refilled, %f left", left)
	}

	// Idle time never accumulates past the hourly cap.
	*clock = clock.Add(24 * time.Hour)
	for i := 0; i < 4; i++ {
		if allowed, _, _ := bucket.Allow(ctx, "acct-1"); !allowed {
			t.Fatalf("action %d should be within the refilled allowance", i)
		}
	}
	if allowed, _, _ := bucket.Allow(ctx, "acct-1"); allowed {
		t.Fatalf("a day idle must not stack beyond the hourly cap")
	}
}

func TestHourlyBucketConfiguration(t *testing.T) {
	bucket, _ := newTestBucket(t, 12)
	if bucket.actionsPerHour != 12 {
		t.Fatalf("actionsPerHour = %d, want 12", bucket.actionsPerHour)
	}

	allowed, left, err := bucket.Allow(context.Background(), "acct-1")
	if err != nil || !allowed {
		t.Fatalf("expected allowed, got allowed=%v err=%v", allowed, err)
	}
	if left >= 12 {
		t.Fatalf("a token should have been consumed, got %f left", left)
	}
}
