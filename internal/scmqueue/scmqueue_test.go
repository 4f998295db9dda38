// Copyright 2025 James Ross
package scmqueue

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/engram/internal/store"
)

type fakeStore struct {
	enqueueErr     error
	lastEnqueued   store.ScmJob
	ackCalls       int
	failRetrySecs  int
	killCalls      int
	renewCalls     int
	requeueCalls   int
}

func (f *fakeStore) EnqueueJob(ctx context.Context, job store.ScmJob) (string, error) {
	f.lastEnqueued = job
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	return "job-1", nil
}

func (f *fakeStore) ClaimJob(ctx context.Context, workerID string, jobTypes []string, enableTenantFairClaim bool) (*store.ScmJob, error) {
	return &store.ScmJob{JobID: "job-1", JobType: "gitlab_commits"}, nil
}

func (f *fakeStore) AckJob(ctx context.Context, jobID, workerID string, runID *string) error {
	f.ackCalls++
	return nil
}

func (f *fakeStore) FailRetry(ctx context.Context, jobID, workerID, lastError string, backoffSeconds int) error {
	f.failRetrySecs = backoffSeconds
	return nil
}

func (f *fakeStore) MarkJobDead(ctx context.Context, jobID, workerID, lastError string) error {
	f.killCalls++
	return nil
}

func (f *fakeStore) RenewJobLease(ctx context.Context, jobID, workerID string) error {
	f.renewCalls++
	return nil
}

func (f *fakeStore) RequeueJobWithoutPenalty(ctx context.Context, jobID, workerID string, jitterSeconds int) error {
	f.requeueCalls++
	return nil
}

func testBackoff() Backoff {
	return Backoff{Base: 10 * time.Millisecond, Max: 100 * time.Millisecond, Jitter: 0.1}
}

func TestEnqueuePropagatesDuplicateUnwrapped(t *testing.T) {
	fs := &fakeStore{enqueueErr: store.ErrDuplicateJob}
	m := New(fs, testBackoff(), false)
	_, err := m.Enqueue(context.Background(), store.ScmJob{JobType: "gitlab_commits"})
	if err != store.ErrDuplicateJob {
		t.Fatalf("expected ErrDuplicateJob unwrapped, got %v", err)
	}
}

func TestEnqueueSuccess(t *testing.T) {
	fs := &fakeStore{}
	m := New(fs, testBackoff(), false)
	id, err := m.Enqueue(context.Background(), store.ScmJob{JobType: "gitlab_commits"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected job-1, got %s", id)
	}
}

func TestClaimReturnsNilWhenQueueEmpty(t *testing.T) {
	fs := &emptyClaimStore{}
	m := New(fs, testBackoff(), false)
	job, err := m.Claim(context.Background(), "worker-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job != nil {
		t.Fatal("expected nil job when queue is empty")
	}
}

type emptyClaimStore struct{ fakeStore }

func (e *emptyClaimStore) ClaimJob(ctx context.Context, workerID string, jobTypes []string, enableTenantFairClaim bool) (*store.ScmJob, error) {
	return nil, nil
}

func TestAckFailKillReachStoreWithBackoff(t *testing.T) {
	fs := &fakeStore{}
	m := New(fs, testBackoff(), false)

	if err := m.Ack(context.Background(), "gitlab_commits", "job-1", "worker-1", nil); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := m.Fail(context.Background(), "gitlab_commits", "job-1", "worker-1", "boom", 2); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := m.Kill(context.Background(), "gitlab_commits", "job-1", "worker-1", "unrecoverable"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if fs.ackCalls != 1 || fs.killCalls != 1 {
		t.Fatalf("expected one ack and one kill call, got ack=%d kill=%d", fs.ackCalls, fs.killCalls)
	}
	if fs.failRetrySecs <= 0 {
		t.Fatal("expected a positive computed backoff for FailRetry")
	}
}

func TestDelayForCapsAtMax(t *testing.T) {
	m := New(&fakeStore{}, Backoff{Base: time.Second, Max: 2 * time.Second, Jitter: 0}, false)
	d := m.delayFor(10)
	if d > 2*time.Second {
		t.Fatalf("expected delay capped at max, got %s", d)
	}
}
