// Copyright 2025 James Ross
package schedloop

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/engram/internal/scheduler"
	"github.com/flyingrobots/engram/internal/scmqueue"
	"github.com/flyingrobots/engram/internal/store"
	"go.uber.org/zap"
)

type fakeStore struct {
	repos    []store.ScmRepo
	health   []store.RepoHealthAggregate
	queued   map[string]map[string]bool
	buckets  []store.InstanceBucket
	watermarks map[string]*store.Watermark
}

func (f *fakeStore) ListScmRepos(ctx context.Context) ([]store.ScmRepo, error) { return f.repos, nil }
func (f *fakeStore) AggregateRepoHealth(ctx context.Context, windowSize int) ([]store.RepoHealthAggregate, error) {
	return f.health, nil
}
func (f *fakeStore) QueuedPairs(ctx context.Context) (map[string]map[string]bool, error) {
	return f.queued, nil
}
func (f *fakeStore) ListAllBuckets(ctx context.Context) ([]store.InstanceBucket, error) {
	return f.buckets, nil
}
func (f *fakeStore) GetWatermark(ctx context.Context, repoID, jobType string) (*store.Watermark, error) {
	if wm, ok := f.watermarks[repoID+"/"+jobType]; ok {
		return wm, nil
	}
	return nil, nil
}

type fakeQueueStore struct {
	enqueued []store.ScmJob
}

func (f *fakeQueueStore) EnqueueJob(ctx context.Context, job store.ScmJob) (string, error) {
	f.enqueued = append(f.enqueued, job)
	return "job-1", nil
}
func (f *fakeQueueStore) ClaimJob(ctx context.Context, workerID string, jobTypes []string, enableTenantFairClaim bool) (*store.ScmJob, error) {
	return nil, nil
}
func (f *fakeQueueStore) AckJob(ctx context.Context, jobID, workerID string, runID *string) error { return nil }
func (f *fakeQueueStore) FailRetry(ctx context.Context, jobID, workerID, lastError string, backoffSeconds int) error {
	return nil
}
func (f *fakeQueueStore) MarkJobDead(ctx context.Context, jobID, workerID, lastError string) error { return nil }
func (f *fakeQueueStore) RenewJobLease(ctx context.Context, jobID, workerID string) error          { return nil }
func (f *fakeQueueStore) RequeueJobWithoutPenalty(ctx context.Context, jobID, workerID string, jitterSeconds int) error {
	return nil
}

func TestScanOnceEnqueuesEligibleRepo(t *testing.T) {
	st := &fakeStore{
		repos: []store.ScmRepo{{RepoID: "r1", VCSType: store.VCSGit, InstanceKey: "inst1"}},
		queued: map[string]map[string]bool{},
		watermarks: map[string]*store.Watermark{},
	}
	qs := &fakeQueueStore{}
	qm := scmqueue.New(qs, scmqueue.Backoff{Base: time.Millisecond, Max: time.Second, Jitter: 0}, false)

	cfg := scheduler.Config{
		MaxRunning: 50, MaxQueueDepth: 200, PerInstanceConcurrency: 8, PerTenantConcurrency: 4,
		CursorAgeThresholdSeconds: 3600, ErrorBudgetThreshold: 0.5, RateLimitHitThreshold: 0.2,
		MaxEnqueuePerScan: 25, JobTypePriority: map[string]int{"gitlab_commits": 1, "gitlab_mrs": 2},
	}
	loop := New(st, qm, cfg, time.Second, zap.NewNop())
	loop.scanOnce(context.Background())

	if len(qs.enqueued) == 0 {
		t.Fatal("expected at least one job enqueued for a never-synced repo")
	}
	for _, j := range qs.enqueued {
		if j.RepoID != "r1" {
			t.Fatalf("unexpected repo enqueued: %s", j.RepoID)
		}
	}
}

func TestScanOnceSkipsDuplicateEnqueue(t *testing.T) {
	st := &fakeStore{
		repos:  []store.ScmRepo{{RepoID: "r1", VCSType: store.VCSGit, InstanceKey: "inst1"}},
		queued: map[string]map[string]bool{"r1": {"gitlab_commits": true, "gitlab_mrs": true, "gitlab_reviews": true}},
	}
	qs := &fakeQueueStore{}
	qm := scmqueue.New(qs, scmqueue.Backoff{Base: time.Millisecond, Max: time.Second, Jitter: 0}, false)

	cfg := scheduler.Config{
		MaxRunning: 50, MaxQueueDepth: 200, PerInstanceConcurrency: 8, PerTenantConcurrency: 4,
		CursorAgeThresholdSeconds: 3600, ErrorBudgetThreshold: 0.5, RateLimitHitThreshold: 0.2, MaxEnqueuePerScan: 25,
	}
	loop := New(st, qm, cfg, time.Second, zap.NewNop())
	loop.scanOnce(context.Background())

	if len(qs.enqueued) != 0 {
		t.Fatalf("expected no enqueues when every job type is already queued, got %d", len(qs.enqueued))
	}
}

func TestScanOnceNoopsWithNoRepos(t *testing.T) {
	st := &fakeStore{}
	qs := &fakeQueueStore{}
	qm := scmqueue.New(qs, scmqueue.Backoff{Base: time.Millisecond, Max: time.Second, Jitter: 0}, false)
	loop := New(st, qm, scheduler.Config{}, time.Second, zap.NewNop())
	loop.scanOnce(context.Background())
	if len(qs.enqueued) != 0 {
		t.Fatal("expected no enqueues with zero repos")
	}
}
