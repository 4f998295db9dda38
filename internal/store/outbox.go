// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnqueueOutbox inserts a new pending row. Callers are responsible for the
// caller-visible dedup decision; this just persists the row.
func (d *DB) EnqueueOutbox(ctx context.Context, targetSpace, payloadMD, payloadSHA string, itemID *string, nextAttemptAt time.Time) (int64, error) {
	var id int64
	err := d.conn.QueryRowContext(ctx, `
		INSERT INTO logbook_outbox
			(item_id, target_space, payload_md, payload_sha, status, retry_count, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 0, $5, now(), now())
		RETURNING outbox_id
	`, itemID, targetSpace, payloadMD, payloadSHA, nextAttemptAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: enqueue outbox: %w", err)
	}
	return id, nil
}

// ClaimOutboxBatch atomically claims up to batchSize eligible rows and marks
// them locked by workerID. Concurrent claimers observe disjoint row sets
// because the inner SELECT uses FOR UPDATE SKIP LOCKED.
func (d *DB) ClaimOutboxBatch(ctx context.Context, workerID string, batchSize, leaseSeconds int) ([]OutboxRow, error) {
	rows, err := d.conn.QueryContext(ctx, `
		WITH claimable AS (
			SELECT outbox_id FROM logbook_outbox
			WHERE status = 'pending'
			  AND next_attempt_at <= now()
			  AND (locked_at IS NULL OR locked_at + make_interval(secs => $3) < now())
			ORDER BY next_attempt_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE logbook_outbox o
		SET locked_by = $1, locked_at = now(), updated_at = now()
		FROM claimable c
		WHERE o.outbox_id = c.outbox_id
		RETURNING o.outbox_id, o.item_id, o.target_space, o.payload_md, o.payload_sha,
		          o.status, o.retry_count, o.next_attempt_at, o.locked_by, o.locked_at,
		          o.last_error, o.created_at, o.updated_at
	`, workerID, batchSize, leaseSeconds)
	if err != nil {
		return nil, fmt.Errorf("store: claim outbox batch: %w", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.OutboxID, &r.ItemID, &r.TargetSpace, &r.PayloadMD, &r.PayloadSHA,
			&r.Status, &r.RetryCount, &r.NextAttemptAt, &r.LockedBy, &r.LockedAt,
			&r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan outbox row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FindSentByDedupKey returns the sent row for (target_space, payload_sha), if any.
func (d *DB) FindSentByDedupKey(ctx context.Context, targetSpace, payloadSHA string) (*OutboxRow, error) {
	var r OutboxRow
	err := d.conn.QueryRowContext(ctx, `
		SELECT outbox_id, item_id, target_space, payload_md, payload_sha,
		       status, retry_count, next_attempt_at, locked_by, locked_at,
		       last_error, created_at, updated_at
		FROM logbook_outbox
		WHERE target_space = $1 AND payload_sha = $2 AND status = 'sent'
		ORDER BY updated_at ASC LIMIT 1
	`, targetSpace, payloadSHA).Scan(&r.OutboxID, &r.ItemID, &r.TargetSpace, &r.PayloadMD, &r.PayloadSHA,
		&r.Status, &r.RetryCount, &r.NextAttemptAt, &r.LockedBy, &r.LockedAt,
		&r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: find sent outbox: %w", err)
	}
	return &r, nil
}

// MarkOutboxSent performs the guarded success transition. Returns
// ErrLeaseConflict if locked_by no longer matches workerID (lease stolen).
func (d *DB) MarkOutboxSent(ctx context.Context, outboxID int64, workerID, lastError string) error {
	return d.guardedOutboxUpdate(ctx, outboxID, workerID, `
		UPDATE logbook_outbox
		SET status = 'sent', last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE outbox_id = $1 AND locked_by = $2
	`, lastError)
}

// MarkOutboxRetry records a recoverable failure: increments retry_count,
// schedules next_attempt_at, and releases the lease.
func (d *DB) MarkOutboxRetry(ctx context.Context, outboxID int64, workerID string, lastError string, nextAttemptAt time.Time) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE logbook_outbox
		SET retry_count = retry_count + 1, last_error = $3, next_attempt_at = $4,
		    locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE outbox_id = $1 AND locked_by = $2
	`, outboxID, workerID, lastError, nextAttemptAt)
	return checkGuarded(res, err, "mark outbox retry")
}

// MarkOutboxDead performs the guarded terminal-failure transition.
func (d *DB) MarkOutboxDead(ctx context.Context, outboxID int64, workerID, lastError string) error {
	return d.guardedOutboxUpdate(ctx, outboxID, workerID, `
		UPDATE logbook_outbox
		SET status = 'dead', last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE outbox_id = $1 AND locked_by = $2
	`, lastError)
}

func (d *DB) guardedOutboxUpdate(ctx context.Context, outboxID int64, workerID, query, lastError string) error {
	res, err := d.conn.ExecContext(ctx, query, outboxID, workerID, lastError)
	return checkGuarded(res, err, "guarded outbox update")
}

func checkGuarded(res sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrLeaseConflict
	}
	return nil
}

// GetOutbox fetches a row by id, used by conflict-audit handlers to observe
// the externally-mutated state.
func (d *DB) GetOutbox(ctx context.Context, outboxID int64) (*OutboxRow, error) {
	var r OutboxRow
	err := d.conn.QueryRowContext(ctx, `
		SELECT outbox_id, item_id, target_space, payload_md, payload_sha,
		       status, retry_count, next_attempt_at, locked_by, locked_at,
		       last_error, created_at, updated_at
		FROM logbook_outbox WHERE outbox_id = $1
	`, outboxID).Scan(&r.OutboxID, &r.ItemID, &r.TargetSpace, &r.PayloadMD, &r.PayloadSHA,
		&r.Status, &r.RetryCount, &r.NextAttemptAt, &r.LockedBy, &r.LockedAt,
		&r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get outbox: %w", err)
	}
	return &r, nil
}
