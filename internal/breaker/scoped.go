// Copyright 2025 James Ross
package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// KVStore is the subset of internal/store.DB the scoped breaker persists
// through, kept narrow so tests can supply an in-memory fake.
type KVStore interface {
	GetKVAny(ctx context.Context, namespace string, keys []string) ([]byte, string, error)
	SetKV(ctx context.Context, namespace, key string, value []byte) error
}

const kvNamespace = "breaker"

// ScopeKey computes the canonical circuit-breaker partition identifier.
func ScopeKey(project, kind, id string) string {
	if kind == "global" {
		return fmt.Sprintf("%s:global", project)
	}
	return fmt.Sprintf("%s:%s:%s", project, kind, id)
}

// HealthStats is the per-interval input to Check.
type HealthStats struct {
	FailureRate   float64
	RateLimitRate float64
	TimeoutRate   float64
	SampleCount   int
}

// Config controls trip thresholds, smoothing, and graded recovery targets.
type Config struct {
	MinSamples              int
	FailureRateThreshold    float64
	RateLimitRateThreshold  float64
	TimeoutRateThreshold    float64
	EnableSmoothing         bool
	SmoothingAlpha          float64
	OpenDuration            time.Duration
	RecoverySuccessCount    int
	ProbeBudgetPerInterval  int
	ProbeJobTypesAllowlist  []string

	DefaultBatchSize   int
	DegradedBatchSize  int
	DefaultWindowSecs  int64
	DegradedWindowSecs int64
	DefaultDiffMode    string
	DegradedDiffMode   string
}

// Decision is the outcome of a Check call, consumed by the degradation
// controller and sync runner to parameterize the next loop iteration.
type Decision struct {
	AllowSync                     bool
	IsBackfillOnly                bool
	SuggestedBatchSize             int
	SuggestedForwardWindowSeconds  int64
	SuggestedDiffMode              string
	WaitSeconds                    float64
	NextAllowedAt                  time.Time
	CurrentState                   State
	IsProbeMode                    bool
	ProbeBudget                    int
	ProbeJobTypesAllowlist         []string
}

// persistedState is the JSON blob stored per scope key.
type persistedState struct {
	State                 State     `json:"state"`
	OpenedAt               time.Time `json:"opened_at"`
	SmoothedFailureRate    float64   `json:"smoothed_failure_rate"`
	SmoothedRateLimitRate  float64   `json:"smoothed_rate_limit_rate"`
	SmoothedTimeoutRate    float64   `json:"smoothed_timeout_rate"`
	HasSmoothed            bool      `json:"has_smoothed"`
	ConsecutiveSuccesses   int       `json:"consecutive_successes"`
	ProbesUsedThisInterval int       `json:"probes_used_this_interval"`
}

// Scoped is a persisted, scope-keyed circuit breaker matching the spec's
// CLOSED/OPEN/HALF_OPEN model with EMA smoothing, a minimum sample floor,
// and graded HALF_OPEN recovery.
type Scoped struct {
	cfg Config
	kv  KVStore
}

func NewScoped(cfg Config, kv KVStore) *Scoped {
	return &Scoped{cfg: cfg, kv: kv}
}

func (s *Scoped) load(ctx context.Context, scope string, legacyKeys []string) (persistedState, error) {
	raw, _, err := s.kv.GetKVAny(ctx, kvNamespace, append([]string{scope}, legacyKeys...))
	if err != nil {
		return persistedState{State: Closed}, nil
	}
	var st persistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		return persistedState{State: Closed}, nil
	}
	return st, nil
}

func (s *Scoped) save(ctx context.Context, scope string, st persistedState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("breaker: marshal state: %w", err)
	}
	return s.kv.SetKV(ctx, kvNamespace, scope, raw)
}

// Check evaluates current health against thresholds and returns the
// resulting decision, persisting any state transition. legacyKeys supports
// reading breaker state written under a prior key scheme during an upgrade;
// only the canonical scope key is ever written.
func (s *Scoped) Check(ctx context.Context, scope string, legacyKeys []string, stats HealthStats) (Decision, error) {
	st, err := s.load(ctx, scope, legacyKeys)
	if err != nil {
		return Decision{}, err
	}
	now := time.Now()

	failRate, rlRate, toRate := stats.FailureRate, stats.RateLimitRate, stats.TimeoutRate
	if s.cfg.EnableSmoothing {
		alpha := s.cfg.SmoothingAlpha
		if !st.HasSmoothed {
			st.SmoothedFailureRate, st.SmoothedRateLimitRate, st.SmoothedTimeoutRate = failRate, rlRate, toRate
			st.HasSmoothed = true
		} else {
			st.SmoothedFailureRate = alpha*failRate + (1-alpha)*st.SmoothedFailureRate
			st.SmoothedRateLimitRate = alpha*rlRate + (1-alpha)*st.SmoothedRateLimitRate
			st.SmoothedTimeoutRate = alpha*toRate + (1-alpha)*st.SmoothedTimeoutRate
		}
		failRate, rlRate, toRate = st.SmoothedFailureRate, st.SmoothedRateLimitRate, st.SmoothedTimeoutRate
	}
	// Open question resolved per spec §9: when smoothing is disabled, the
	// raw value is used even if a smoothed value was previously persisted.

	tripped := stats.SampleCount >= s.cfg.MinSamples &&
		(failRate >= s.cfg.FailureRateThreshold ||
			rlRate >= s.cfg.RateLimitRateThreshold ||
			toRate >= s.cfg.TimeoutRateThreshold)

	switch st.State {
	case Closed:
		if tripped {
			st.State = Open
			st.OpenedAt = now
			st.ConsecutiveSuccesses = 0
			st.ProbesUsedThisInterval = 0
		}
	case Open:
		if now.Sub(st.OpenedAt) >= s.cfg.OpenDuration {
			st.State = HalfOpen
			st.ProbesUsedThisInterval = 0
		}
	case HalfOpen:
		// Transitions out of HalfOpen happen via RecordProbeResult; Check
		// only refreshes smoothed values while probing is in progress.
	}

	if err := s.save(ctx, scope, st); err != nil {
		return Decision{}, err
	}
	return s.decisionFor(st, now), nil
}

// RecordProbeResult feeds back the outcome of a HALF_OPEN probe. It
// transitions to CLOSED after recoverySuccessCount consecutive successes, or
// back to OPEN on any failure or probe-budget exhaustion without enough
// successes.
func (s *Scoped) RecordProbeResult(ctx context.Context, scope string, ok bool) (Decision, error) {
	st, err := s.load(ctx, scope, nil)
	if err != nil {
		return Decision{}, err
	}
	now := time.Now()
	if st.State != HalfOpen {
		return s.decisionFor(st, now), nil
	}

	st.ProbesUsedThisInterval++
	if ok {
		st.ConsecutiveSuccesses++
		if st.ConsecutiveSuccesses >= s.cfg.RecoverySuccessCount {
			st.State = Closed
			st.ConsecutiveSuccesses = 0
			st.ProbesUsedThisInterval = 0
		}
	} else {
		st.State = Open
		st.OpenedAt = now
		st.ConsecutiveSuccesses = 0
		st.ProbesUsedThisInterval = 0
	}
	if st.State == HalfOpen && st.ProbesUsedThisInterval >= s.cfg.ProbeBudgetPerInterval && st.ConsecutiveSuccesses < s.cfg.RecoverySuccessCount {
		st.State = Open
		st.OpenedAt = now
	}

	if err := s.save(ctx, scope, st); err != nil {
		return Decision{}, err
	}
	return s.decisionFor(st, now), nil
}

func (s *Scoped) decisionFor(st persistedState, now time.Time) Decision {
	switch st.State {
	case Closed:
		return Decision{
			AllowSync:                    true,
			SuggestedBatchSize:           s.cfg.DefaultBatchSize,
			SuggestedForwardWindowSeconds: s.cfg.DefaultWindowSecs,
			SuggestedDiffMode:            s.cfg.DefaultDiffMode,
			CurrentState:                 Closed,
		}
	case Open:
		nextAllowed := st.OpenedAt.Add(s.cfg.OpenDuration)
		wait := nextAllowed.Sub(now).Seconds()
		if wait < 0 {
			wait = 0
		}
		return Decision{
			AllowSync:       false,
			IsBackfillOnly:  true,
			WaitSeconds:     wait,
			NextAllowedAt:   nextAllowed,
			CurrentState:    Open,
		}
	default: // HalfOpen: graded recovery, parameters interpolate toward default
		factor := 0.0
		if s.cfg.RecoverySuccessCount > 0 {
			factor = float64(st.ConsecutiveSuccesses) / float64(s.cfg.RecoverySuccessCount)
		}
		if factor > 1 {
			factor = 1
		}
		batch := s.cfg.DegradedBatchSize + int(factor*float64(s.cfg.DefaultBatchSize-s.cfg.DegradedBatchSize))
		window := s.cfg.DegradedWindowSecs + int64(factor*float64(s.cfg.DefaultWindowSecs-s.cfg.DegradedWindowSecs))
		diffMode := s.cfg.DegradedDiffMode
		if factor >= 1 {
			diffMode = s.cfg.DefaultDiffMode
		}
		remaining := s.cfg.ProbeBudgetPerInterval - st.ProbesUsedThisInterval
		if remaining < 0 {
			remaining = 0
		}
		return Decision{
			AllowSync:                    true,
			IsProbeMode:                  true,
			SuggestedBatchSize:           batch,
			SuggestedForwardWindowSeconds: window,
			SuggestedDiffMode:            diffMode,
			ProbeBudget:                  remaining,
			ProbeJobTypesAllowlist:       s.cfg.ProbeJobTypesAllowlist,
			CurrentState:                 HalfOpen,
		}
	}
}
