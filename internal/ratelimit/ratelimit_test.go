// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, rate, burst float64) (*Bucket, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewBucket(rdb, "instance-1", rate, burst), mr
}

func TestAcquireGrantsWithinBurst(t *testing.T) {
	b, _ := newTestBucket(t, 1, 5)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := b.Acquire(ctx, 1, time.Second); err != nil {
			t.Fatalf("acquire %d: unexpected error: %v", i, err)
		}
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	b, _ := newTestBucket(t, 0.001, 1)
	ctx := context.Background()
	if err := b.Acquire(ctx, 1, time.Second); err != nil {
		t.Fatalf("first acquire: unexpected error: %v", err)
	}
	if err := b.Acquire(ctx, 1, 50*time.Millisecond); err != ErrLimiterTimeout {
		t.Fatalf("expected ErrLimiterTimeout once the bucket is drained, got %v", err)
	}
	if b.timeouts != 1 {
		t.Fatalf("expected timeout count to be tracked, got %d", b.timeouts)
	}
}

func TestNotifyRateLimitSuppressesAcquireUntilDeadline(t *testing.T) {
	b, _ := newTestBucket(t, 100, 100)
	ctx := context.Background()
	until := time.Now().Add(200 * time.Millisecond)
	if err := b.NotifyRateLimit(ctx, until); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := b.Acquire(ctx, 1, 50*time.Millisecond); err != ErrLimiterTimeout {
		t.Fatalf("expected acquire to be suppressed until the notified deadline, got %v", err)
	}
	if b.total429 != 1 {
		t.Fatalf("expected total429 to be tracked, got %d", b.total429)
	}
}

func TestStatsSnapshotReportsPausedUntil(t *testing.T) {
	b, _ := newTestBucket(t, 10, 10)
	ctx := context.Background()
	until := time.Now().Add(time.Minute)
	if err := b.NotifyRateLimit(ctx, until); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats, err := b.StatsSnapshot(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.PausedUntil == nil {
		t.Fatal("expected PausedUntil to be set after a notify")
	}
	if stats.PauseRemainingSeconds <= 0 {
		t.Fatalf("expected a positive pause remaining duration, got %v", stats.PauseRemainingSeconds)
	}
}

func TestCompositeRequiresEveryChildToGrant(t *testing.T) {
	generous, _ := newTestBucket(t, 100, 100)
	scarce, _ := newTestBucket(t, 0.001, 1)
	ctx := context.Background()

	if err := scarce.Acquire(ctx, 1, time.Second); err != nil {
		t.Fatalf("drain scarce bucket: unexpected error: %v", err)
	}

	composite := NewComposite(generous, scarce)
	if err := composite.Acquire(ctx, 1, 50*time.Millisecond); err != ErrLimiterTimeout {
		t.Fatalf("expected composite acquire to fail when one child is exhausted, got %v", err)
	}
}
