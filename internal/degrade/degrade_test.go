// Copyright 2025 James Ross
package degrade

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		DefaultBatchSize: 100, MinBatchSize: 10, ShrinkFactor: 0.5, GrowFactor: 1.25,
		DefaultWindowSeconds: 3600, MinWindowSeconds: 60,
		ConsecutiveThreshold: 3, RecoveryThreshold: 2,
		SleepBase: time.Second, SleepMax: time.Minute,
	}
}

func TestNextShrinksBatchSizeOnRateLimit(t *testing.T) {
	c := New(testConfig())
	sug := c.Next(LoopStats{UnrecoverableErrors: []ErrorCategory{RateLimited}})
	if sug.BatchSize != 50 {
		t.Fatalf("expected batch size shrunk to 50, got %d", sug.BatchSize)
	}
	if sug.ForwardWindowSeconds != 1800 {
		t.Fatalf("expected forward window shrunk to 1800, got %d", sug.ForwardWindowSeconds)
	}
}

func TestNextGrowsBatchSizeAfterRecovery(t *testing.T) {
	c := New(testConfig())
	c.Next(LoopStats{UnrecoverableErrors: []ErrorCategory{RateLimited}})
	c.Next(LoopStats{}) // success 1
	sug := c.Next(LoopStats{})
	if sug.BatchSize <= 50 {
		t.Fatalf("expected batch size to grow back up after recovery, got %d", sug.BatchSize)
	}
}

func TestNextSwitchesDiffModeNoneAfterConsecutiveRateLimits(t *testing.T) {
	c := New(testConfig())
	var sug Suggestion
	for i := 0; i < 3; i++ {
		sug = c.Next(LoopStats{UnrecoverableErrors: []ErrorCategory{RateLimited}})
	}
	if sug.DiffMode != "none" {
		t.Fatalf("expected diff mode none after 3 consecutive rate-limit errors, got %q", sug.DiffMode)
	}
}

func TestNextPausesOnConsecutiveTimeouts(t *testing.T) {
	c := New(testConfig())
	var sug Suggestion
	for i := 0; i < 3; i++ {
		sug = c.Next(LoopStats{UnrecoverableErrors: []ErrorCategory{Timeout}})
	}
	if !sug.ShouldPause || sug.PauseReason == "" {
		t.Fatalf("expected ShouldPause after 3 consecutive timeouts, got %+v", sug)
	}
}

func TestNextHonorsRetryAfter(t *testing.T) {
	c := New(testConfig())
	wait := 5 * time.Second
	sug := c.Next(LoopStats{RetryAfter: &wait})
	if sug.SleepSeconds != 5 {
		t.Fatalf("expected sleep seconds to honor retry-after, got %v", sug.SleepSeconds)
	}
}

func TestNextClearsNonObservedCategoriesCounter(t *testing.T) {
	c := New(testConfig())
	c.Next(LoopStats{UnrecoverableErrors: []ErrorCategory{RateLimited}})
	c.Next(LoopStats{UnrecoverableErrors: []ErrorCategory{Timeout}})
	// RateLimited's consecutive counter reset to 0 on the second call since
	// it wasn't observed again; three more rate-limited-only calls should be
	// required before diff mode flips, not two.
	c.Next(LoopStats{UnrecoverableErrors: []ErrorCategory{RateLimited}})
	sug := c.Next(LoopStats{UnrecoverableErrors: []ErrorCategory{RateLimited}})
	if sug.DiffMode != "best_effort" {
		t.Fatalf("expected diff mode unchanged, got %q", sug.DiffMode)
	}
}
