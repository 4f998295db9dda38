// Copyright 2025 James Ross
package degrade

import (
	"math"
	"sync"
	"time"
)

// ErrorCategory classifies an unrecoverable error from one sync loop.
type ErrorCategory string

const (
	RateLimited      ErrorCategory = "rate_limited"
	Timeout          ErrorCategory = "timeout"
	ContentTooLarge  ErrorCategory = "content_too_large"
	ServerError      ErrorCategory = "server_error"
	AuthError        ErrorCategory = "auth_error"
	NetworkError     ErrorCategory = "network_error"
	Unknown          ErrorCategory = "unknown"
)

// LoopStats is the per-loop accumulator reported by the sync runner.
type LoopStats struct {
	UnrecoverableErrors []ErrorCategory
	DegradedCount       int
	BulkCount           int
	SyncedCount         int
	RetryAfter          *time.Duration
}

// Suggestion is the controller's output, consumed as the next loop's
// effective parameters.
type Suggestion struct {
	DiffMode              string
	BatchSize             int
	SleepSeconds          float64
	ForwardWindowSeconds  int64
	ShouldPause           bool
	PauseReason           string
	AdjustmentReasons     []string
}

// Config parameterizes thresholds, shrink/grow factors, and bounds.
type Config struct {
	DefaultBatchSize     int
	MinBatchSize         int
	ShrinkFactor         float64
	GrowFactor           float64
	DefaultWindowSeconds int64
	MinWindowSeconds     int64
	ConsecutiveThreshold int
	RecoveryThreshold    int
	SleepBase            time.Duration
	SleepMax             time.Duration
}

// Controller tracks consecutive per-category counters across loop
// iterations for one sync scope (one repo x job_type in practice).
type Controller struct {
	mu sync.Mutex
	cfg Config

	diffMode string
	batchSize int
	window    int64

	consecutive        map[ErrorCategory]int
	consecutiveSuccess int
}

func New(cfg Config) *Controller {
	return &Controller{
		cfg:         cfg,
		diffMode:    "best_effort",
		batchSize:   cfg.DefaultBatchSize,
		window:      cfg.DefaultWindowSeconds,
		consecutive: make(map[ErrorCategory]int),
	}
}

// Next classifies this loop's errors, updates counters, and returns the
// adjusted parameters for the following loop.
func (c *Controller) Next(stats LoopStats) Suggestion {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[ErrorCategory]bool)
	for _, e := range stats.UnrecoverableErrors {
		seen[e] = true
		c.consecutive[e]++
	}
	for cat := range c.consecutive {
		if !seen[cat] {
			c.consecutive[cat] = 0
		}
	}
	if len(stats.UnrecoverableErrors) == 0 {
		c.consecutiveSuccess++
	} else {
		c.consecutiveSuccess = 0
	}

	var reasons []string
	sug := Suggestion{DiffMode: c.diffMode, BatchSize: c.batchSize, ForwardWindowSeconds: c.window}

	if c.consecutive[RateLimited] >= c.cfg.ConsecutiveThreshold {
		c.diffMode = "none"
		reasons = append(reasons, "consecutive_rate_limited")
	}
	if c.consecutive[ContentTooLarge] >= c.cfg.ConsecutiveThreshold {
		c.diffMode = "none"
		reasons = append(reasons, "consecutive_content_too_large")
	}
	if c.consecutiveSuccess >= c.cfg.RecoveryThreshold {
		c.diffMode = "best_effort"
		reasons = append(reasons, "recovered_diff_mode")
	}

	if seen[RateLimited] || seen[Timeout] {
		c.batchSize = maxInt(c.cfg.MinBatchSize, int(float64(c.batchSize)*c.cfg.ShrinkFactor))
		reasons = append(reasons, "shrink_batch_size")
	} else if c.consecutiveSuccess >= c.cfg.RecoveryThreshold && c.batchSize < c.cfg.DefaultBatchSize {
		c.batchSize = minInt(c.cfg.DefaultBatchSize, int(math.Ceil(float64(c.batchSize)*c.cfg.GrowFactor)))
		reasons = append(reasons, "grow_batch_size")
	}

	if seen[RateLimited] {
		c.window = maxInt64(c.cfg.MinWindowSeconds, int64(float64(c.window)*c.cfg.ShrinkFactor))
		reasons = append(reasons, "shrink_forward_window")
	}

	sug.DiffMode = c.diffMode
	sug.BatchSize = c.batchSize
	sug.ForwardWindowSeconds = c.window

	if c.consecutive[Timeout] >= c.cfg.ConsecutiveThreshold || c.consecutive[ServerError] >= c.cfg.ConsecutiveThreshold {
		sug.ShouldPause = true
		sug.PauseReason = "consecutive_timeout_or_server_error"
		count := maxInt(c.consecutive[Timeout], c.consecutive[ServerError])
		sug.SleepSeconds = backoffSeconds(c.cfg.SleepBase, c.cfg.SleepMax, count)
		reasons = append(reasons, "should_pause")
	}
	if stats.RetryAfter != nil {
		wait := stats.RetryAfter.Seconds()
		maxWait := c.cfg.SleepMax.Seconds()
		if wait > maxWait {
			wait = maxWait
		}
		sug.SleepSeconds = wait
		reasons = append(reasons, "retry_after_honored")
	}

	sug.AdjustmentReasons = reasons
	return sug
}

func backoffSeconds(base, max time.Duration, count int) float64 {
	if count < 1 {
		count = 1
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(count-1)))
	if d > max {
		d = max
	}
	return d.Seconds()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
