// Copyright 2025 James Ross
package syncrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/flyingrobots/engram/internal/backfill"
	"github.com/flyingrobots/engram/internal/breaker"
	"github.com/flyingrobots/engram/internal/degrade"
	"github.com/flyingrobots/engram/internal/store"
	"go.uber.org/zap"
)

// Store is the subset of internal/store.DB the runner depends on.
type Store interface {
	GetWatermark(ctx context.Context, repoID, jobType string) (*store.Watermark, error)
	AdvanceWatermark(ctx context.Context, repoID, jobType string, cursorTime *time.Time, cursorRev *int64) error
	InsertSyncRun(ctx context.Context, r store.SyncRun) (string, error)
}

// Runner executes one job against an Adapter, applying the degradation
// controller's suggestions between loop iterations.
type Runner struct {
	ctx      RunnerContext
	adapter  Adapter
	st       Store
	degrade  *degrade.Controller
	br       *breaker.Scoped
	log      *zap.Logger
	limits   backfill.Limits
	clock    func() time.Time
	sleeper  func(time.Duration)
}

func New(rctx RunnerContext, adapter Adapter, st Store, controller *degrade.Controller, br *breaker.Scoped, log *zap.Logger) *Runner {
	return &Runner{
		ctx:     rctx,
		adapter: adapter,
		st:      st,
		degrade: controller,
		br:      br,
		log:     log,
		limits:  backfill.DefaultLimits(),
		clock:   time.Now,
		sleeper: time.Sleep,
	}
}

// checkBreaker consults the circuit breaker for this runner's scope,
// deriving the health snapshot from the adapter's cumulative call stats.
// A KV read/write failure fails open rather than blocking sync.
func (r *Runner) checkBreaker(ctx context.Context) breaker.Decision {
	if r.br == nil || r.ctx.BreakerScope == "" {
		return breaker.Decision{AllowSync: true, SuggestedBatchSize: r.ctx.effectiveBatchSize(), CurrentState: breaker.Closed}
	}
	stats := r.adapter.Stats()
	var health breaker.HealthStats
	if stats.TotalRequests > 0 {
		health = breaker.HealthStats{
			RateLimitRate: float64(stats.Total429Hits) / float64(stats.TotalRequests),
			TimeoutRate:   float64(stats.TimeoutCount) / float64(stats.TotalRequests),
			SampleCount:   stats.TotalRequests,
		}
	}
	decision, err := r.br.Check(ctx, r.ctx.BreakerScope, nil, health)
	if err != nil {
		r.log.Warn("circuit breaker check failed, defaulting to allow", zap.Error(err))
		return breaker.Decision{AllowSync: true, SuggestedBatchSize: r.ctx.effectiveBatchSize(), CurrentState: breaker.Closed}
	}
	return decision
}

// recordBreakerOutcome feeds a HALF_OPEN probe's result back to the
// breaker; it is a no-op outside HALF_OPEN.
func (r *Runner) recordBreakerOutcome(ctx context.Context, decision breaker.Decision, ok bool) {
	if r.br == nil || r.ctx.BreakerScope == "" || decision.CurrentState != breaker.HalfOpen {
		return
	}
	if _, err := r.br.RecordProbeResult(ctx, r.ctx.BreakerScope, ok); err != nil {
		r.log.Warn("circuit breaker record probe result failed", zap.Error(err))
	}
}

// RunIncremental performs a single pass against the adapter starting from
// the persisted watermark, honoring the current degradation suggestion.
func (r *Runner) RunIncremental(ctx context.Context) SyncResult {
	started := r.clock()
	result := SyncResult{Phase: PhaseIncremental, Repo: r.ctx.Repo, JobType: r.ctx.JobType}

	decision := r.checkBreaker(ctx)
	if !decision.AllowSync {
		result.Status = StatusSkipped
		result.Error = fmt.Sprintf("circuit breaker %s: incremental sync suspended", decision.CurrentState)
		wm, _ := r.st.GetWatermark(ctx, r.ctx.Repo, r.ctx.JobType)
		r.recordRun(ctx, started, result, r.adapter.Stats(), wm, nil)
		return result
	}

	wm, err := r.st.GetWatermark(ctx, r.ctx.Repo, r.ctx.JobType)
	if err != nil {
		wm = &store.Watermark{}
	}

	window := windowFromWatermark(wm, r.ctx.WindowChunkHours)
	batchSize := decision.SuggestedBatchSize
	if batchSize <= 0 {
		batchSize = r.ctx.effectiveBatchSize()
	}

	var page Page
	var fetchErr error
	switch r.ctx.JobType {
	case "gitlab_mrs":
		page, fetchErr = r.adapter.FetchMergeRequests(ctx, "", window, batchSize)
	default:
		page, fetchErr = r.adapter.FetchCommits(ctx, "", window, batchSize)
	}
	r.recordBreakerOutcome(ctx, decision, fetchErr == nil)

	stats := r.adapter.Stats()

	if fetchErr != nil {
		result.Status = StatusFailed
		result.Error = fetchErr.Error()
		r.recordRun(ctx, started, result, stats, wm, nil)
		return result
	}

	result.ItemsSynced = len(page.Items)
	result.Status = StatusSuccess

	if r.ctx.UpdateWatermark && !r.ctx.DryRun {
		now := r.clock()
		if err := r.st.AdvanceWatermark(ctx, r.ctx.Repo, r.ctx.JobType, &now, nil); err != nil {
			result.Status = StatusPartial
			result.Error = err.Error()
		}
	}

	r.recordRun(ctx, started, result, stats, wm, nil)
	return result
}

// RunLoop calls RunIncremental repeatedly until maxIterations is reached or
// ctx is cancelled, sleeping loopIntervalSecs between iterations and
// applying the degradation controller's suggestion to pacing.
func (r *Runner) RunLoop(ctx context.Context) []SyncResult {
	var results []SyncResult
	iterations := 0
	for {
		if ctx.Err() != nil {
			break
		}
		if r.ctx.MaxIterations > 0 && iterations >= r.ctx.MaxIterations {
			break
		}
		res := r.RunIncremental(ctx)
		results = append(results, res)
		iterations++

		cats := errorCategoriesFor(res)
		suggestion := r.degrade.Next(degrade.LoopStats{UnrecoverableErrors: cats})
		if r.ctx.MaxIterations > 0 && iterations >= r.ctx.MaxIterations {
			break
		}
		sleepFor := time.Duration(r.ctx.LoopIntervalSecs) * time.Second
		if suggestion.SleepSeconds > 0 {
			sleepFor = time.Duration(suggestion.SleepSeconds * float64(time.Second))
		}
		select {
		case <-ctx.Done():
			return results
		default:
			r.sleeper(sleepFor)
		}
	}
	return results
}

// RunBackfill plans chunks over [since, until) or [startRev, endRev],
// validates caps, executes each in order, and aggregates the outcome.
func (r *Runner) RunBackfill(ctx context.Context, since, until *time.Time, startRev, endRev *int64) (AggregatedResult, error) {
	var chunks []backfill.Chunk
	var err error

	switch {
	case since != nil && until != nil:
		chunks, err = backfill.PlanTimeWindow(*since, *until, r.ctx.WindowChunkHours, r.ctx.UpdateWatermark, r.limits)
	case startRev != nil && endRev != nil:
		chunks, err = backfill.PlanRevisionWindow(*startRev, *endRev, r.ctx.WindowChunkRevs, r.ctx.UpdateWatermark, r.limits)
	default:
		return AggregatedResult{}, fmt.Errorf("syncrunner: backfill requires a time or revision window")
	}
	if err != nil {
		return AggregatedResult{}, err
	}

	agg := AggregatedResult{TotalChunks: len(chunks)}
	for _, chunk := range chunks {
		outcome := r.runChunk(ctx, chunk)
		switch outcome.Status {
		case StatusSuccess:
			agg.SuccessChunks++
		case StatusPartial:
			agg.PartialChunks++
		case StatusFailed:
			agg.FailedChunks++
			agg.Errors = append(agg.Errors, outcome.Error)
		}
		agg.TotalItemsSynced += outcome.ItemsSynced
		if chunk.UpdateWatermark && outcome.Status != StatusFailed {
			agg.WatermarkUpdated = true
		}
	}

	agg.Status = classify(agg.TotalChunks, agg.SuccessChunks, agg.PartialChunks, agg.FailedChunks)
	return agg, nil
}

func (r *Runner) runChunk(ctx context.Context, chunk backfill.Chunk) SyncResult {
	window := FetchWindow{Since: chunk.WindowSince, Until: chunk.WindowUntil, StartRev: chunk.StartRev, EndRev: chunk.EndRev}

	// Backfill chunks run even when the breaker has tripped the live
	// incremental path (decision.IsBackfillOnly), but still honor its
	// suggested batch size and feed HALF_OPEN probe outcomes back.
	decision := r.checkBreaker(ctx)
	batchSize := decision.SuggestedBatchSize
	if batchSize <= 0 {
		batchSize = r.ctx.effectiveBatchSize()
	}

	var page Page
	var fetchErr error
	switch r.ctx.JobType {
	case "gitlab_mrs":
		page, fetchErr = r.adapter.FetchMergeRequests(ctx, "", window, batchSize)
	default:
		page, fetchErr = r.adapter.FetchCommits(ctx, "", window, batchSize)
	}
	r.recordBreakerOutcome(ctx, decision, fetchErr == nil)

	result := SyncResult{Phase: PhaseBackfill, Repo: r.ctx.Repo, JobType: r.ctx.JobType}
	if fetchErr != nil {
		result.Status = StatusFailed
		result.Error = fetchErr.Error()
		return result
	}
	result.ItemsSynced = len(page.Items)
	result.Status = StatusSuccess

	if chunk.UpdateWatermark && !r.ctx.DryRun && chunk.WindowUntil != nil {
		existing, _ := r.st.GetWatermark(ctx, r.ctx.Repo, r.ctx.JobType)
		before := int64(0)
		if existing != nil && existing.CursorTime != nil {
			before = existing.CursorTime.Unix()
		}
		after := chunk.WindowUntil.Unix()
		if err := backfill.ValidateWatermarkAdvance(before, after, true); err != nil {
			result.Status = StatusFailed
			result.Error = err.Error()
			return result
		}
		next := time.Unix(backfill.MaxWatermark(before, after), 0).UTC()
		if err := r.st.AdvanceWatermark(ctx, r.ctx.Repo, r.ctx.JobType, &next, nil); err != nil {
			result.Status = StatusFailed
			result.Error = err.Error()
		}
	}
	return result
}

func (r *Runner) recordRun(ctx context.Context, started time.Time, res SyncResult, stats AdapterStats, before *store.Watermark, after *store.Watermark) {
	ended := r.clock()
	status := string(res.Status)
	var errCat *string
	if res.Error != "" {
		errCat = &res.Error
	}
	run := store.SyncRun{
		RepoID:        r.ctx.Repo,
		JobType:       r.ctx.JobType,
		StartedAt:     started,
		EndedAt:       &ended,
		Status:        status,
		ItemsSynced:   res.ItemsSynced,
		TotalRequests: stats.TotalRequests,
		Total429Hits:  stats.Total429Hits,
		TimeoutCount:  stats.TimeoutCount,
		ErrorCategory: errCat,
	}
	if _, err := r.st.InsertSyncRun(ctx, run); err != nil {
		r.log.Warn("record sync run failed", zap.Error(err))
	}
}

func windowFromWatermark(wm *store.Watermark, chunkHours int) FetchWindow {
	w := FetchWindow{}
	if wm != nil && wm.CursorTime != nil {
		w.Since = wm.CursorTime
	}
	now := time.Now()
	w.Until = &now
	return w
}

func errorCategoriesFor(res SyncResult) []degrade.ErrorCategory {
	if res.Error == "" {
		return nil
	}
	return []degrade.ErrorCategory{degrade.Unknown}
}

func (c RunnerContext) effectiveBatchSize() int {
	return 100
}
