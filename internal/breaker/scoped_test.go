// Copyright 2025 James Ross
package breaker

import (
	"context"
	"testing"
	"time"
)

type fakeKV struct {
	data map[string][]byte
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string][]byte)} }

func (f *fakeKV) GetKVAny(ctx context.Context, namespace string, keys []string) ([]byte, string, error) {
	for _, k := range keys {
		if v, ok := f.data[namespace+"/"+k]; ok {
			return v, k, nil
		}
	}
	return nil, "", nil
}

func (f *fakeKV) SetKV(ctx context.Context, namespace, key string, value []byte) error {
	f.data[namespace+"/"+key] = value
	return nil
}

func testConfig() Config {
	return Config{
		MinSamples:             3,
		FailureRateThreshold:   0.5,
		RateLimitRateThreshold: 0.5,
		TimeoutRateThreshold:   0.5,
		OpenDuration:           50 * time.Millisecond,
		RecoverySuccessCount:   2,
		ProbeBudgetPerInterval: 5,
		DefaultBatchSize:       100,
		DegradedBatchSize:      10,
		DefaultWindowSecs:      3600,
		DegradedWindowSecs:     60,
		DefaultDiffMode:        "best_effort",
		DegradedDiffMode:       "none",
	}
}

func TestCheckStaysClosedBelowSampleFloor(t *testing.T) {
	s := NewScoped(testConfig(), newFakeKV())
	d, err := s.Check(context.Background(), "proj:global", nil, HealthStats{FailureRate: 1.0, SampleCount: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.CurrentState != Closed || !d.AllowSync {
		t.Fatalf("expected closed/allow below min samples, got %+v", d)
	}
}

func TestCheckTripsOpenAboveThreshold(t *testing.T) {
	s := NewScoped(testConfig(), newFakeKV())
	d, err := s.Check(context.Background(), "proj:global", nil, HealthStats{FailureRate: 0.9, SampleCount: 10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.CurrentState != Open || d.AllowSync || !d.IsBackfillOnly {
		t.Fatalf("expected open/backfill-only, got %+v", d)
	}
}

func TestCheckTransitionsOpenToHalfOpenAfterDuration(t *testing.T) {
	cfg := testConfig()
	cfg.OpenDuration = time.Millisecond
	s := NewScoped(cfg, newFakeKV())
	ctx := context.Background()

	if _, err := s.Check(ctx, "proj:global", nil, HealthStats{FailureRate: 0.9, SampleCount: 10}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	d, err := s.Check(ctx, "proj:global", nil, HealthStats{SampleCount: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.CurrentState != HalfOpen || !d.IsProbeMode {
		t.Fatalf("expected half_open/probe mode, got %+v", d)
	}
}

func TestRecordProbeResultGradedRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.OpenDuration = time.Millisecond
	s := NewScoped(cfg, newFakeKV())
	ctx := context.Background()

	if _, err := s.Check(ctx, "proj:global", nil, HealthStats{FailureRate: 0.9, SampleCount: 10}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.Check(ctx, "proj:global", nil, HealthStats{SampleCount: 0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d1, err := s.RecordProbeResult(ctx, "proj:global", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d1.CurrentState != HalfOpen {
		t.Fatalf("expected still half_open after one success, got %+v", d1)
	}
	if d1.SuggestedBatchSize <= cfg.DegradedBatchSize || d1.SuggestedBatchSize >= cfg.DefaultBatchSize {
		t.Fatalf("expected interpolated batch size strictly between degraded and default, got %d", d1.SuggestedBatchSize)
	}

	d2, err := s.RecordProbeResult(ctx, "proj:global", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d2.CurrentState != Closed {
		t.Fatalf("expected closed after recovery_success_count successes, got %+v", d2)
	}
}

func TestRecordProbeResultFailureReopens(t *testing.T) {
	cfg := testConfig()
	cfg.OpenDuration = time.Millisecond
	s := NewScoped(cfg, newFakeKV())
	ctx := context.Background()

	if _, err := s.Check(ctx, "proj:global", nil, HealthStats{FailureRate: 0.9, SampleCount: 10}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := s.Check(ctx, "proj:global", nil, HealthStats{SampleCount: 0}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, err := s.RecordProbeResult(ctx, "proj:global", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.CurrentState != Open {
		t.Fatalf("expected reopen on probe failure, got %+v", d)
	}
}

// TestCheckSmoothingRequiresSustainedFailureRate ports spec.md §8 scenario
// 5 literally: with min_samples=5, failure_rate_threshold=0.3, alpha=0.5, a
// run of five consecutive 0.5 samples trips the breaker, but a single 0.5
// sample following four clean (0.0) samples does not, since the sample
// floor and the EWMA both need to clear the threshold together.
func TestCheckSmoothingRequiresSustainedFailureRate(t *testing.T) {
	cfg := Config{
		MinSamples:             5,
		FailureRateThreshold:   0.3,
		RateLimitRateThreshold: 1,
		TimeoutRateThreshold:   1,
		EnableSmoothing:        true,
		SmoothingAlpha:         0.5,
		OpenDuration:           time.Minute,
		RecoverySuccessCount:   2,
		ProbeBudgetPerInterval: 5,
		DefaultBatchSize:       100,
		DegradedBatchSize:      10,
		DefaultWindowSecs:      3600,
		DegradedWindowSecs:     60,
		DefaultDiffMode:        "best_effort",
		DegradedDiffMode:       "none",
	}

	sustained := NewScoped(cfg, newFakeKV())
	ctx := context.Background()
	var d Decision
	var err error
	for i := 0; i < 5; i++ {
		d, err = sustained.Check(ctx, "proj:sustained", nil, HealthStats{FailureRate: 0.5, SampleCount: i + 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if d.CurrentState != Open {
		t.Fatalf("expected five consecutive 0.5 samples to trip the breaker, got %+v", d)
	}

	oneOff := NewScoped(cfg, newFakeKV())
	for i := 0; i < 4; i++ {
		d, err = oneOff.Check(ctx, "proj:oneoff", nil, HealthStats{FailureRate: 0.0, SampleCount: i + 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	d, err = oneOff.Check(ctx, "proj:oneoff", nil, HealthStats{FailureRate: 0.5, SampleCount: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.CurrentState != Closed {
		t.Fatalf("expected a single 0.5 sample after four clean samples to stay closed, got %+v", d)
	}
}

func TestScopeKeyFormatsGlobalAndScoped(t *testing.T) {
	if got := ScopeKey("proj", "global", ""); got != "proj:global" {
		t.Fatalf("unexpected global scope key: %q", got)
	}
	if got := ScopeKey("proj", "instance", "host1"); got != "proj:instance:host1" {
		t.Fatalf("unexpected scoped key: %q", got)
	}
}
