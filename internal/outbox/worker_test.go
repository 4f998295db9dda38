// Copyright 2025 James Ross
package outbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/flyingrobots/engram/internal/store"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

type fakeOutboxStore struct {
	sentByDedup   map[string]*store.OutboxRow
	markSentErr   error
	markRetryErr  error
	markDeadErr   error
	getOutboxRow  *store.OutboxRow
	marked        []string
	audits        []store.AuditRecord
}

func newFakeOutboxStore() *fakeOutboxStore {
	return &fakeOutboxStore{sentByDedup: make(map[string]*store.OutboxRow)}
}

func (f *fakeOutboxStore) ClaimOutboxBatch(ctx context.Context, workerID string, batchSize, leaseSeconds int) ([]store.OutboxRow, error) {
	return nil, nil
}

func (f *fakeOutboxStore) FindSentByDedupKey(ctx context.Context, targetSpace, payloadSHA string) (*store.OutboxRow, error) {
	if r, ok := f.sentByDedup[targetSpace+"/"+payloadSHA]; ok {
		return r, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeOutboxStore) MarkOutboxSent(ctx context.Context, outboxID int64, workerID, lastError string) error {
	f.marked = append(f.marked, "sent")
	return f.markSentErr
}

func (f *fakeOutboxStore) MarkOutboxRetry(ctx context.Context, outboxID int64, workerID, lastError string, nextAttemptAt time.Time) error {
	f.marked = append(f.marked, "retry")
	return f.markRetryErr
}

func (f *fakeOutboxStore) MarkOutboxDead(ctx context.Context, outboxID int64, workerID, lastError string) error {
	f.marked = append(f.marked, "dead")
	return f.markDeadErr
}

func (f *fakeOutboxStore) GetOutbox(ctx context.Context, outboxID int64) (*store.OutboxRow, error) {
	return f.getOutboxRow, nil
}

func (f *fakeOutboxStore) InsertAudit(ctx context.Context, rec store.AuditRecord) (int64, error) {
	f.audits = append(f.audits, rec)
	return int64(len(f.audits)), nil
}

type fakeMemoryClient struct {
	memoryID string
	err      error
}

func (c *fakeMemoryClient) Add(ctx context.Context, targetSpace, payloadMD string) (string, error) {
	return c.memoryID, c.err
}

func testWorker(st Store, client MemoryClient) *Worker {
	return New(Config{
		WorkerCount: 1, BatchSize: 10, LeaseSeconds: 30,
		MaxRetries: 3, MaxClientRetries: 0,
		BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, BackoffJitter: 0,
		DeliverTimeout: time.Second,
	}, st, client, zap.NewNop())
}

func TestProcessRowDedupHit(t *testing.T) {
	st := newFakeOutboxStore()
	st.sentByDedup["private:u/sha_e2e_2"] = &store.OutboxRow{OutboxID: 1, LastError: strPtr("memory_id=mem_original")}
	w := testWorker(st, &fakeMemoryClient{})

	w.processRow(context.Background(), "w1", store.OutboxRow{OutboxID: 2, TargetSpace: "private:u", PayloadSHA: "sha_e2e_2"})

	if len(st.marked) != 1 || st.marked[0] != "sent" {
		t.Fatalf("expected the duplicate row marked sent, got %v", st.marked)
	}
	if len(st.audits) != 1 || st.audits[0].Reason != "outbox_flush_dedup_hit" {
		t.Fatalf("expected one outbox_flush_dedup_hit audit, got %+v", st.audits)
	}
}

func TestProcessRowSuccess(t *testing.T) {
	st := newFakeOutboxStore()
	w := testWorker(st, &fakeMemoryClient{memoryID: "mem_1"})

	w.processRow(context.Background(), "w1", store.OutboxRow{OutboxID: 1, TargetSpace: "private:u", PayloadSHA: "sha_e2e_1"})

	if len(st.marked) != 1 || st.marked[0] != "sent" {
		t.Fatalf("expected row marked sent, got %v", st.marked)
	}
	if len(st.audits) != 1 || st.audits[0].Reason != "outbox_flush_success" {
		t.Fatalf("expected outbox_flush_success audit, got %+v", st.audits)
	}
}

func TestAuditUpdateFailureClassifiesConflict(t *testing.T) {
	st := newFakeOutboxStore()
	st.markSentErr = store.ErrLeaseConflict
	st.getOutboxRow = &store.OutboxRow{Status: store.OutboxSent, LockedBy: strPtr("other")}
	w := testWorker(st, &fakeMemoryClient{memoryID: "mem_1"})

	w.processRow(context.Background(), "w1", store.OutboxRow{OutboxID: 1, TargetSpace: "private:u", PayloadSHA: "sha1"})

	if len(st.audits) != 1 || st.audits[0].Reason != "outbox_flush_conflict" {
		t.Fatalf("expected outbox_flush_conflict audit, got %+v", st.audits)
	}
}

func TestAuditUpdateFailureClassifiesStatementTimeout(t *testing.T) {
	st := newFakeOutboxStore()
	st.markSentErr = fmt.Errorf("store: mark sent: %w", &pq.Error{Code: "57014"})
	w := testWorker(st, &fakeMemoryClient{memoryID: "mem_1"})

	w.processRow(context.Background(), "w1", store.OutboxRow{OutboxID: 1, TargetSpace: "private:u", PayloadSHA: "sha1"})

	if len(st.audits) != 1 || st.audits[0].Reason != "outbox_flush_db_timeout" {
		t.Fatalf("expected outbox_flush_db_timeout audit, got %+v", st.audits)
	}
}

func TestAuditUpdateFailureClassifiesGenericDBError(t *testing.T) {
	st := newFakeOutboxStore()
	st.markSentErr = fmt.Errorf("store: mark sent: %w", &pq.Error{Code: "08006"})
	w := testWorker(st, &fakeMemoryClient{memoryID: "mem_1"})

	w.processRow(context.Background(), "w1", store.OutboxRow{OutboxID: 1, TargetSpace: "private:u", PayloadSHA: "sha1"})

	if len(st.audits) != 1 || st.audits[0].Reason != "outbox_flush_db_error" {
		t.Fatalf("expected outbox_flush_db_error audit, got %+v", st.audits)
	}
}

func TestProcessRowDeadLettersAfterMaxRetries(t *testing.T) {
	st := newFakeOutboxStore()
	w := testWorker(st, &fakeMemoryClient{err: fmt.Errorf("upstream unavailable")})

	w.processRow(context.Background(), "w1", store.OutboxRow{OutboxID: 1, TargetSpace: "private:u", PayloadSHA: "sha1", RetryCount: 2})

	if len(st.marked) != 1 || st.marked[0] != "dead" {
		t.Fatalf("expected row dead-lettered at max retries, got %v", st.marked)
	}
	if len(st.audits) != 1 || st.audits[0].Reason != "outbox_flush_dead" {
		t.Fatalf("expected outbox_flush_dead audit, got %+v", st.audits)
	}
}

func TestProcessRowRetriesBelowMaxRetries(t *testing.T) {
	st := newFakeOutboxStore()
	w := testWorker(st, &fakeMemoryClient{err: fmt.Errorf("upstream unavailable")})

	w.processRow(context.Background(), "w1", store.OutboxRow{OutboxID: 1, TargetSpace: "private:u", PayloadSHA: "sha1", RetryCount: 0})

	if len(st.marked) != 1 || st.marked[0] != "retry" {
		t.Fatalf("expected row retried, got %v", st.marked)
	}
	if len(st.audits) != 1 || st.audits[0].Reason != "outbox_flush_retry" {
		t.Fatalf("expected outbox_flush_retry audit, got %+v", st.audits)
	}
}

func strPtr(s string) *string { return &s }
