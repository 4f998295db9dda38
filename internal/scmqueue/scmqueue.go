// Copyright 2025 James Ross

// Package scmqueue wraps the store layer's job-queue primitives with
// metrics and the backoff/requeue policy that sit above raw claim/ack/fail.
package scmqueue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/flyingrobots/engram/internal/obs"
	"github.com/flyingrobots/engram/internal/store"
)

// Store is the subset of internal/store.DB the queue manager depends on.
type Store interface {
	EnqueueJob(ctx context.Context, job store.ScmJob) (string, error)
	ClaimJob(ctx context.Context, workerID string, jobTypes []string, enableTenantFairClaim bool) (*store.ScmJob, error)
	AckJob(ctx context.Context, jobID, workerID string, runID *string) error
	FailRetry(ctx context.Context, jobID, workerID, lastError string, backoffSeconds int) error
	MarkJobDead(ctx context.Context, jobID, workerID, lastError string) error
	RenewJobLease(ctx context.Context, jobID, workerID string) error
	RequeueJobWithoutPenalty(ctx context.Context, jobID, workerID string, jitterSeconds int) error
}

// Backoff parameterizes FailRetry's computed delay.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Manager is the facade cmd/engram and internal/schedloop use to interact
// with the SCM sync job queue, adding metrics the bare store layer doesn't.
type Manager struct {
	st                    Store
	backoff               Backoff
	enableTenantFairClaim bool
}

func New(st Store, backoff Backoff, enableTenantFairClaim bool) *Manager {
	return &Manager{st: st, backoff: backoff, enableTenantFairClaim: enableTenantFairClaim}
}

// Enqueue inserts a new pending job. ErrDuplicateJob is returned unwrapped
// so callers can treat it as a benign no-op.
func (m *Manager) Enqueue(ctx context.Context, job store.ScmJob) (string, error) {
	id, err := m.st.EnqueueJob(ctx, job)
	if err != nil {
		if err == store.ErrDuplicateJob {
			return "", err
		}
		return "", fmt.Errorf("scmqueue: enqueue: %w", err)
	}
	obs.ScmJobsEnqueued.WithLabelValues(job.JobType).Inc()
	return id, nil
}

// Claim pops the next eligible job for workerID, restricted to jobTypes
// (nil/empty means any type).
func (m *Manager) Claim(ctx context.Context, workerID string, jobTypes []string) (*store.ScmJob, error) {
	job, err := m.st.ClaimJob(ctx, workerID, jobTypes, m.enableTenantFairClaim)
	if err != nil {
		return nil, fmt.Errorf("scmqueue: claim: %w", err)
	}
	if job == nil {
		return nil, nil
	}
	obs.ScmJobsClaimed.WithLabelValues(job.JobType).Inc()
	return job, nil
}

// Ack marks a job completed successfully.
func (m *Manager) Ack(ctx context.Context, jobType, jobID, workerID string, runID *string) error {
	if err := m.st.AckJob(ctx, jobID, workerID, runID); err != nil {
		return fmt.Errorf("scmqueue: ack: %w", err)
	}
	obs.ScmJobsCompleted.WithLabelValues(jobType, "completed").Inc()
	return nil
}

// Fail records a recoverable or terminal failure, computing the exponential
// backoff window from the job's current attempt count.
func (m *Manager) Fail(ctx context.Context, jobType, jobID, workerID, lastError string, attempts int) error {
	delay := m.delayFor(attempts)
	if err := m.st.FailRetry(ctx, jobID, workerID, lastError, int(math.Ceil(delay.Seconds()))); err != nil {
		return fmt.Errorf("scmqueue: fail: %w", err)
	}
	obs.ScmJobsCompleted.WithLabelValues(jobType, "failed").Inc()
	return nil
}

// Kill performs an unconditional terminal transition, bypassing the retry
// budget (used when a job is known unrecoverable, e.g. repo deleted upstream).
func (m *Manager) Kill(ctx context.Context, jobType, jobID, workerID, lastError string) error {
	if err := m.st.MarkJobDead(ctx, jobID, workerID, lastError); err != nil {
		return fmt.Errorf("scmqueue: kill: %w", err)
	}
	obs.ScmJobsCompleted.WithLabelValues(jobType, "dead").Inc()
	return nil
}

// RenewLease extends a long-running job's lease so another worker's claim
// does not take it over mid-flight once the lease would have expired.
func (m *Manager) RenewLease(ctx context.Context, jobID, workerID string) error {
	if err := m.st.RenewJobLease(ctx, jobID, workerID); err != nil {
		return fmt.Errorf("scmqueue: renew lease: %w", err)
	}
	return nil
}

// Requeue returns a job to pending without consuming a retry attempt, for
// failures attributable to the environment (circuit open, degraded mode
// pause) rather than the job itself.
func (m *Manager) Requeue(ctx context.Context, jobID, workerID string) error {
	jitter := time.Duration(rand.Int63n(int64(5 * time.Second)))
	if err := m.st.RequeueJobWithoutPenalty(ctx, jobID, workerID, int(jitter.Seconds())); err != nil {
		return fmt.Errorf("scmqueue: requeue: %w", err)
	}
	obs.ScmSchedulerSkipped.WithLabelValues("requeued").Inc()
	return nil
}

func (m *Manager) delayFor(attempts int) time.Duration {
	d := time.Duration(float64(m.backoff.Base) * math.Pow(2, float64(attempts)))
	if d > m.backoff.Max {
		d = m.backoff.Max
	}
	span := float64(d) * m.backoff.Jitter
	d = time.Duration(float64(d) + (rand.Float64()*2-1)*span)
	if d < 0 {
		d = m.backoff.Base
	}
	return d
}
