// Copyright 2025 James Ross

// Package schedloop drives the SCM sync scheduler (§4.6): on a fixed
// interval it assembles the scheduler's pure-function Inputs from the store
// and enqueues whatever candidates it admits.
package schedloop

import (
	"context"
	"time"

	"github.com/flyingrobots/engram/internal/obs"
	"github.com/flyingrobots/engram/internal/scheduler"
	"github.com/flyingrobots/engram/internal/scmqueue"
	"github.com/flyingrobots/engram/internal/store"
	"go.uber.org/zap"
)

// Store is the subset of internal/store.DB the scan loop reads from.
type Store interface {
	ListScmRepos(ctx context.Context) ([]store.ScmRepo, error)
	AggregateRepoHealth(ctx context.Context, windowSize int) ([]store.RepoHealthAggregate, error)
	QueuedPairs(ctx context.Context) (map[string]map[string]bool, error)
	ListAllBuckets(ctx context.Context) ([]store.InstanceBucket, error)
	GetWatermark(ctx context.Context, repoID, jobType string) (*store.Watermark, error)
}

// Loop scans on cfg.ScanInterval and enqueues admitted candidates via queue.
type Loop struct {
	st    Store
	queue *scmqueue.Manager
	cfg   scheduler.Config
	scan  time.Duration
	log   *zap.Logger
	clock func() time.Time
}

func New(st Store, queue *scmqueue.Manager, cfg scheduler.Config, scanInterval time.Duration, log *zap.Logger) *Loop {
	return &Loop{st: st, queue: queue, cfg: cfg, scan: scanInterval, log: log, clock: time.Now}
}

// Run blocks, scanning until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.scan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.scanOnce(ctx)
		}
	}
}

func (l *Loop) scanOnce(ctx context.Context) {
	repos, err := l.st.ListScmRepos(ctx)
	if err != nil {
		l.log.Warn("scheduler scan: list repos failed", obs.Err(err))
		return
	}
	if len(repos) == 0 {
		return
	}

	health, err := l.st.AggregateRepoHealth(ctx, 20)
	if err != nil {
		l.log.Warn("scheduler scan: aggregate health failed", obs.Err(err))
		return
	}
	healthByRepo := make(map[string]store.RepoHealthAggregate, len(health))
	for _, h := range health {
		healthByRepo[h.RepoID] = h
	}

	queued, err := l.st.QueuedPairs(ctx)
	if err != nil {
		l.log.Warn("scheduler scan: queued pairs failed", obs.Err(err))
		return
	}

	buckets, err := l.st.ListAllBuckets(ctx)
	if err != nil {
		l.log.Warn("scheduler scan: list buckets failed", obs.Err(err))
		return
	}
	now := l.clock()
	bucketStatus := make(map[string]scheduler.BucketStatus, len(buckets))
	for _, b := range buckets {
		paused := b.PausedUntil != nil && b.PausedUntil.After(now)
		remaining := 0.0
		if paused {
			remaining = b.PausedUntil.Sub(now).Seconds()
		}
		bucketStatus[b.InstanceKey] = scheduler.BucketStatus{
			IsPaused:              paused,
			PauseRemainingSeconds: remaining,
			CurrentTokens:         b.Tokens,
			Burst:                 b.Burst,
			Rate:                  b.Rate,
		}
	}

	states := make([]scheduler.RepoSyncState, 0, len(repos))
	for _, r := range repos {
		s := scheduler.RepoSyncState{
			RepoID:      r.RepoID,
			VCSType:     string(r.VCSType),
			InstanceKey: r.InstanceKey,
		}
		if r.TenantID != nil {
			s.TenantID = *r.TenantID
		}
		if h, ok := healthByRepo[r.RepoID]; ok {
			s.RunCount = h.RunCount
			s.FailedCount = h.FailedCount
			s.Hits429 = h.Total429Hits
			s.TotalRequests = h.TotalRequests
			s.LastStatus = h.LastStatus
		}
		s.CursorUpdatedAt = l.newestCursor(ctx, r.RepoID)
		states = append(states, s)
	}

	candidates := scheduler.Plan(scheduler.Inputs{
		Repos:         states,
		Config:        l.cfg,
		QueuedPairs:   queued,
		Budget:        scheduler.BudgetSnapshot{},
		BucketStatus:  bucketStatus,
		JobTypesByVCS: scheduler.JobTypesForVCS(),
		Now:           now.Unix(),
	})

	for _, c := range candidates {
		id, err := l.queue.Enqueue(ctx, store.ScmJob{
			RepoID:      c.RepoID,
			JobType:     c.JobType,
			Mode:        store.ModeIncremental,
			Priority:    int(c.Priority),
			MaxAttempts: 5,
			LeaseSeconds: 300,
		})
		if err != nil {
			if err == store.ErrDuplicateJob {
				continue
			}
			l.log.Warn("scheduler scan: enqueue failed", obs.String("repo_id", c.RepoID), obs.String("job_type", c.JobType), obs.Err(err))
			continue
		}
		l.log.Info("scheduler enqueued job", obs.String("job_id", id), obs.String("repo_id", c.RepoID), obs.String("job_type", c.JobType))
	}
}

func (l *Loop) newestCursor(ctx context.Context, repoID string) *int64 {
	var newest *int64
	for _, jt := range scheduler.JobTypesForVCS() {
		for _, jobType := range jt {
			wm, err := l.st.GetWatermark(ctx, repoID, jobType)
			if err != nil || wm == nil || wm.CursorTime == nil {
				continue
			}
			ts := wm.CursorTime.Unix()
			if newest == nil || ts > *newest {
				newest = &ts
			}
		}
	}
	return newest
}
