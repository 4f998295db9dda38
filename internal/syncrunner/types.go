// Copyright 2025 James Ross

// Package syncrunner executes one SCM sync job — incremental or backfill —
// against an Adapter, wiring the degradation controller and circuit breaker
// into the effective fetch parameters for each loop iteration.
package syncrunner

import "time"

// RunnerStatus is the terminal outcome of one runner invocation.
type RunnerStatus string

const (
	StatusSuccess   RunnerStatus = "success"
	StatusPartial   RunnerStatus = "partial"
	StatusFailed    RunnerStatus = "failed"
	StatusSkipped   RunnerStatus = "skipped"
	StatusCancelled RunnerStatus = "cancelled"
)

// ExitCode maps a terminal status to the process exit code surfaced to a shell.
func ExitCode(status RunnerStatus) int {
	switch status {
	case StatusSuccess:
		return 0
	case StatusPartial:
		return 1
	default:
		return 2
	}
}

// RunnerPhase distinguishes the two top-level operations a runner performs.
type RunnerPhase string

const (
	PhaseIncremental RunnerPhase = "incremental"
	PhaseBackfill    RunnerPhase = "backfill"
)

// RunnerContext bundles the parameters of one runner invocation.
type RunnerContext struct {
	Repo               string
	JobType            string
	DryRun             bool
	Verbose            bool
	UpdateWatermark    bool
	WindowChunkHours   int
	WindowChunkRevs    int64
	LoopIntervalSecs   int
	MaxIterations      int
	// BreakerScope is the circuit-breaker scope key (§4.2) covering this
	// repo, computed by the caller so scheduler and runner agree on it.
	BreakerScope string
}

// SyncResult is the outcome of one incremental pass.
type SyncResult struct {
	Phase           RunnerPhase
	Repo            string
	JobType         string
	Status          RunnerStatus
	ItemsSynced     int
	VfactsRefreshed int
	Error           string
}

// AggregatedResult is the outcome of a backfill run across all its chunks.
type AggregatedResult struct {
	TotalChunks       int
	SuccessChunks     int
	PartialChunks     int
	FailedChunks      int
	TotalItemsSynced  int
	Errors            []string
	WatermarkUpdated  bool
	Status            RunnerStatus
}

// classify derives the aggregate status from per-chunk outcome counts, per
// the rule: success iff success==total; failed iff success+partial==0 and
// failed>0; skipped iff total==0; otherwise partial.
func classify(total, success, partial, failed int) RunnerStatus {
	switch {
	case total == 0:
		return StatusSkipped
	case success == total:
		return StatusSuccess
	case success+partial == 0 && failed > 0:
		return StatusFailed
	default:
		return StatusPartial
	}
}

// Page is one fetched batch plus the adapter's opaque continuation cursor.
type Page struct {
	Items      []map[string]interface{}
	NextCursor string
	HasMore    bool
}

// FetchWindow bounds one fetch call by either time or revision range.
type FetchWindow struct {
	Since    *time.Time
	Until    *time.Time
	StartRev *int64
	EndRev   *int64
}
