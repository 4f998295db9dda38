// Copyright 2025 James Ross
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/flyingrobots/engram/internal/obs"
	"github.com/flyingrobots/engram/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryClient is the outbound dependency the worker delivers to.
type MemoryClient interface {
	Add(ctx context.Context, targetSpace, payloadMD string) (memoryID string, err error)
}

// Config parameterizes the claim/deliver/retry loop.
type Config struct {
	WorkerCount      int
	BatchSize        int
	LeaseSeconds     int
	MaxRetries       int
	MaxClientRetries int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackoffJitter    float64
	PollInterval     time.Duration
	DeliverTimeout   time.Duration
}

// Store is the subset of internal/store.DB the worker depends on.
type Store interface {
	ClaimOutboxBatch(ctx context.Context, workerID string, batchSize, leaseSeconds int) ([]store.OutboxRow, error)
	FindSentByDedupKey(ctx context.Context, targetSpace, payloadSHA string) (*store.OutboxRow, error)
	MarkOutboxSent(ctx context.Context, outboxID int64, workerID, lastError string) error
	MarkOutboxRetry(ctx context.Context, outboxID int64, workerID, lastError string, nextAttemptAt time.Time) error
	MarkOutboxDead(ctx context.Context, outboxID int64, workerID, lastError string) error
	GetOutbox(ctx context.Context, outboxID int64) (*store.OutboxRow, error)
	InsertAudit(ctx context.Context, rec store.AuditRecord) (int64, error)
}

// Worker runs the claim-deliver-transition loop described in §4.4.
type Worker struct {
	cfg    Config
	st     Store
	client MemoryClient
	log    *zap.Logger
	baseID string
}

func New(cfg Config, st Store, client MemoryClient, log *zap.Logger) *Worker {
	return &Worker{
		cfg:    cfg,
		st:     st,
		client: client,
		log:    log,
		baseID: generateBaseID(),
	}
}

func generateBaseID() string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}

// Run spawns cfg.WorkerCount goroutines and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for i := 0; i < w.cfg.WorkerCount; i++ {
		go func(idx int) {
			w.runOne(ctx, fmt.Sprintf("%s-%d", w.baseID, idx))
		}(i)
	}
	<-ctx.Done()
}

func (w *Worker) runOne(ctx context.Context, workerID string) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			obs.WorkerActive.Inc()
			w.claimAndProcess(ctx, workerID)
			obs.WorkerActive.Dec()
		}
	}
}

func (w *Worker) claimAndProcess(ctx context.Context, workerID string) {
	rows, err := w.st.ClaimOutboxBatch(ctx, workerID, w.cfg.BatchSize, w.cfg.LeaseSeconds)
	if err != nil {
		w.log.Error("claim outbox batch", zap.Error(err))
		return
	}
	for _, row := range rows {
		obs.OutboxClaimed.Inc()
		w.processRow(ctx, workerID, row)
	}
}

func (w *Worker) processRow(ctx context.Context, workerID string, row store.OutboxRow) {
	correlationID := uuid.NewString()
	attemptID := uuid.NewString()
	extra := map[string]interface{}{"correlation_id": correlationID, "attempt_id": attemptID}

	if sent, err := w.st.FindSentByDedupKey(ctx, row.TargetSpace, row.PayloadSHA); err == nil && sent.OutboxID != row.OutboxID {
		memoryID := extractMemoryID(sent.LastError)
		lastErr := fmt.Sprintf("memory_id=%s", memoryID)
		if err := w.st.MarkOutboxSent(ctx, row.OutboxID, workerID, lastErr); err != nil {
			w.log.Warn("dedup mark sent", zap.Error(err))
			return
		}
		w.audit(ctx, row.TargetSpace, store.ActionAllow, "outbox_flush_dedup_hit", &row.PayloadSHA, merge(extra, map[string]interface{}{
			"outbox_id":         row.OutboxID,
			"original_outbox_id": sent.OutboxID,
			"memory_id":         memoryID,
		}))
		obs.OutboxDedupHits.Inc()
		return
	}

	start := time.Now()
	deliverCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliverTimeout)
	memoryID, err := w.deliverWithRetries(deliverCtx, row)
	cancel()
	obs.OutboxDeliveryDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		lastErr := fmt.Sprintf("memory_id=%s", memoryID)
		if serr := w.st.MarkOutboxSent(ctx, row.OutboxID, workerID, lastErr); serr != nil {
			w.auditUpdateFailure(ctx, row, extra, "success", serr)
			return
		}
		w.audit(ctx, row.TargetSpace, store.ActionAllow, "outbox_flush_success", &row.PayloadSHA, merge(extra, map[string]interface{}{
			"outbox_id": row.OutboxID, "memory_id": memoryID,
		}))
		obs.OutboxDelivered.Inc()
		return
	}

	if row.RetryCount+1 >= w.cfg.MaxRetries {
		if derr := w.st.MarkOutboxDead(ctx, row.OutboxID, workerID, err.Error()); derr != nil {
			w.auditUpdateFailure(ctx, row, extra, "dead", derr)
			return
		}
		w.audit(ctx, row.TargetSpace, store.ActionReject, "outbox_flush_dead", &row.PayloadSHA, merge(extra, map[string]interface{}{"outbox_id": row.OutboxID}))
		obs.OutboxDead.Inc()
		return
	}

	next := time.Now().Add(w.backoff(row.RetryCount))
	if rerr := w.st.MarkOutboxRetry(ctx, row.OutboxID, workerID, err.Error(), next); rerr != nil {
		w.auditUpdateFailure(ctx, row, extra, "retry", rerr)
		return
	}
	w.audit(ctx, row.TargetSpace, store.ActionRedirect, "outbox_flush_retry", &row.PayloadSHA, merge(extra, map[string]interface{}{"outbox_id": row.OutboxID}))
	obs.OutboxRetried.Inc()
}

// auditUpdateFailure classifies a failed guarded status-update per §4.4.d:
// a lease stolen out from under the worker is a conflict; a statement
// timeout is a transient DB blip with no status change; anything else is a
// harder DB error. Each gets its own stable audit reason.
func (w *Worker) auditUpdateFailure(ctx context.Context, row store.OutboxRow, extra map[string]interface{}, intendedAction string, err error) {
	switch {
	case errors.Is(err, store.ErrLeaseConflict):
		observed, _ := w.st.GetOutbox(ctx, row.OutboxID)
		w.audit(ctx, row.TargetSpace, store.ActionRedirect, "outbox_flush_conflict", &row.PayloadSHA, merge(extra, conflictFields(observed, intendedAction)))
		obs.OutboxConflicts.Inc()
	case store.IsStatementTimeout(err):
		w.audit(ctx, row.TargetSpace, store.ActionRedirect, "outbox_flush_db_timeout", &row.PayloadSHA, merge(extra, map[string]interface{}{
			"outbox_id": row.OutboxID, "intended_action": intendedAction,
		}))
		obs.OutboxDBTimeouts.Inc()
	default:
		w.audit(ctx, row.TargetSpace, store.ActionRedirect, "outbox_flush_db_error", &row.PayloadSHA, merge(extra, map[string]interface{}{
			"outbox_id": row.OutboxID, "intended_action": intendedAction, "error": err.Error(),
		}))
		obs.OutboxDBErrors.Inc()
	}
}

func (w *Worker) deliverWithRetries(ctx context.Context, row store.OutboxRow) (string, error) {
	payload, err := DecompressPayload(row.PayloadMD)
	if err != nil {
		return "", err
	}

	var lastErr error
	attempts := w.cfg.MaxClientRetries + 1
	for i := 0; i < attempts; i++ {
		id, err := w.client.Add(ctx, row.TargetSpace, payload)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (w *Worker) backoff(retryCount int) time.Duration {
	d := time.Duration(float64(w.cfg.BackoffBase) * math.Pow(2, float64(retryCount)))
	if d > w.cfg.BackoffMax {
		d = w.cfg.BackoffMax
	}
	jitter := 1 + (rand.Float64()*2-1)*w.cfg.BackoffJitter
	return time.Duration(float64(d) * jitter)
}

func (w *Worker) audit(ctx context.Context, targetSpace string, action store.AuditAction, reason string, sha *string, extra map[string]interface{}) {
	evidence := map[string]interface{}{"source": "outbox", "extra": extra}
	payload, _ := jsonMarshal(evidence)
	if _, err := w.st.InsertAudit(ctx, store.AuditRecord{
		TargetSpace:      targetSpace,
		Action:           action,
		Reason:           reason,
		PayloadSHA:       sha,
		EvidenceRefsJSON: payload,
	}); err != nil {
		w.log.Warn("insert audit best-effort failed", zap.Error(err))
	}
}

func conflictFields(observed *store.OutboxRow, intendedAction string) map[string]interface{} {
	f := map[string]interface{}{"intended_action": intendedAction}
	if observed != nil {
		f["observed_status"] = observed.Status
		if observed.LockedBy != nil {
			f["observed_locked_by"] = *observed.LockedBy
		}
	}
	return f
}

func extractMemoryID(lastError *string) string {
	if lastError == nil {
		return ""
	}
	const prefix = "memory_id="
	s := *lastError
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

func merge(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// PayloadSHA computes the dedup key hash for a payload body.
func PayloadSHA(payloadMD string) string {
	sum := sha256.Sum256([]byte(payloadMD))
	return hex.EncodeToString(sum[:])
}

func jsonMarshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
