// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const fairCursorNamespace = "scmqueue"
const fairCursorKey = "fair_cursor"

// EnqueueJob inserts a new pending job. Returns ErrDuplicateJob when a
// non-terminal row for (repo_id, job_type, mode) already exists.
func (d *DB) EnqueueJob(ctx context.Context, job ScmJob) (string, error) {
	var existing string
	err := d.conn.QueryRowContext(ctx, `
		SELECT job_id FROM scm_sync_jobs
		WHERE repo_id = $1 AND job_type = $2 AND mode = $3
		  AND status IN ('pending', 'running', 'failed')
		LIMIT 1
	`, job.RepoID, job.JobType, job.Mode).Scan(&existing)
	if err == nil {
		return "", ErrDuplicateJob
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("store: check duplicate job: %w", err)
	}

	var id string
	err = d.conn.QueryRowContext(ctx, `
		INSERT INTO scm_sync_jobs
			(job_id, repo_id, job_type, mode, priority, status, attempts, max_attempts,
			 not_before, lease_seconds, payload_json, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, 'pending', 0, $5,
		        COALESCE($6, now()), $7, $8, now(), now())
		RETURNING job_id
	`, job.RepoID, job.JobType, job.Mode, job.Priority, job.MaxAttempts,
		nullableTime(job.NotBefore), job.LeaseSeconds, job.PayloadJSON).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: enqueue job: %w", err)
	}
	return id, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// ClaimJob selects the next schedulable job, incrementing attempts and
// marking it running/locked. When enableTenantFairClaim is true, claim
// rotates across payload_json.tenant_id buckets using a persisted cursor so
// a tenant with a small backlog is not starved behind one with a large
// backlog.
func (d *DB) ClaimJob(ctx context.Context, workerID string, jobTypes []string, enableTenantFairClaim bool) (*ScmJob, error) {
	var job *ScmJob
	err := d.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		if enableTenantFairClaim {
			job, err = d.claimFair(ctx, tx, workerID, jobTypes)
		} else {
			job, err = d.claimDefault(ctx, tx, workerID, jobTypes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func eligiblePredicate() string {
	return `(status = 'pending' OR (status = 'running' AND locked_at + make_interval(secs => lease_seconds) < now()))
	         AND not_before <= now()
	         AND ($1::text[] IS NULL OR job_type = ANY($1))`
}

func (d *DB) claimDefault(ctx context.Context, tx *sql.Tx, workerID string, jobTypes []string) (*ScmJob, error) {
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT job_id FROM scm_sync_jobs
		WHERE %s
		ORDER BY priority ASC, not_before ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, eligiblePredicate()), pqTextArray(jobTypes))
	var jobID string
	if err := row.Scan(&jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: select claimable job: %w", err)
	}
	return d.claimByID(ctx, tx, workerID, jobID)
}

func (d *DB) claimFair(ctx context.Context, tx *sql.Tx, workerID string, jobTypes []string) (*ScmJob, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT COALESCE(payload_json->>'tenant_id', '') AS tenant
		FROM scm_sync_jobs
		WHERE %s
		ORDER BY tenant ASC
	`, eligiblePredicate()), pqTextArray(jobTypes))
	if err != nil {
		return nil, fmt.Errorf("store: list eligible tenants: %w", err)
	}
	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(tenants) == 0 {
		return nil, nil
	}

	last, _ := d.getFairCursorTx(ctx, tx)
	chosen := tenants[0]
	for _, t := range tenants {
		if t > last {
			chosen = t
			break
		}
	}

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT job_id FROM scm_sync_jobs
		WHERE %s AND COALESCE(payload_json->>'tenant_id', '') = $2
		ORDER BY priority ASC, not_before ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, eligiblePredicate()), pqTextArray(jobTypes), chosen)
	var jobID string
	if err := row.Scan(&jobID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: select claimable job (fair): %w", err)
	}

	if err := d.setFairCursorTx(ctx, tx, chosen); err != nil {
		return nil, err
	}
	return d.claimByID(ctx, tx, workerID, jobID)
}

func (d *DB) claimByID(ctx context.Context, tx *sql.Tx, workerID, jobID string) (*ScmJob, error) {
	var j ScmJob
	err := tx.QueryRowContext(ctx, `
		UPDATE scm_sync_jobs
		SET status = 'running', attempts = attempts + 1, locked_by = $2, locked_at = now(), updated_at = now()
		WHERE job_id = $1
		RETURNING job_id, repo_id, job_type, mode, priority, status, attempts, max_attempts,
		          not_before, locked_by, locked_at, lease_seconds, last_run_id, last_error,
		          payload_json, created_at, updated_at
	`, jobID, workerID).Scan(&j.JobID, &j.RepoID, &j.JobType, &j.Mode, &j.Priority, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.NotBefore, &j.LockedBy, &j.LockedAt, &j.LeaseSeconds,
		&j.LastRunID, &j.LastError, &j.PayloadJSON, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: claim job by id: %w", err)
	}
	return &j, nil
}

func (d *DB) getFairCursorTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var val []byte
	err := tx.QueryRowContext(ctx, `
		SELECT value #>> '{}' FROM governance_kv WHERE namespace = $1 AND key = $2
	`, fairCursorNamespace, fairCursorKey).Scan(&val)
	if err != nil {
		return "", nil
	}
	return string(val), nil
}

func (d *DB) setFairCursorTx(ctx context.Context, tx *sql.Tx, tenant string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO governance_kv (namespace, key, value, updated_at)
		VALUES ($1, $2, to_jsonb($3::text), now())
		ON CONFLICT (namespace, key) DO UPDATE SET value = to_jsonb($3::text), updated_at = now()
	`, fairCursorNamespace, fairCursorKey, tenant)
	if err != nil {
		return fmt.Errorf("store: set fair cursor: %w", err)
	}
	return nil
}

// AckJob marks a job completed. Returns ErrLeaseConflict if locked_by no
// longer matches workerID.
func (d *DB) AckJob(ctx context.Context, jobID, workerID string, runID *string) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE scm_sync_jobs
		SET status = 'completed', locked_by = NULL, locked_at = NULL, last_run_id = $3, updated_at = now()
		WHERE job_id = $1 AND locked_by = $2
	`, jobID, workerID, runID)
	return checkGuarded(res, err, "ack job")
}

// FailRetry marks a job failed or dead depending on attempts vs max_attempts,
// scheduling a backoff window for re-pickup. Does not change attempts.
func (d *DB) FailRetry(ctx context.Context, jobID, workerID, lastError string, backoffSeconds int) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE scm_sync_jobs
		SET status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'failed' END,
		    last_error = $3,
		    not_before = now() + make_interval(secs => $4),
		    locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE job_id = $1 AND locked_by = $2
	`, jobID, workerID, lastError, backoffSeconds)
	return checkGuarded(res, err, "fail retry job")
}

// MarkJobDead performs an unconditional terminal transition.
func (d *DB) MarkJobDead(ctx context.Context, jobID, workerID, lastError string) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE scm_sync_jobs
		SET status = 'dead', last_error = $3, locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE job_id = $1 AND locked_by = $2
	`, jobID, workerID, lastError)
	return checkGuarded(res, err, "mark job dead")
}

// RenewJobLease refreshes locked_at so a slow-running job is not reclaimed.
func (d *DB) RenewJobLease(ctx context.Context, jobID, workerID string) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE scm_sync_jobs SET locked_at = now(), updated_at = now()
		WHERE job_id = $1 AND locked_by = $2 AND status = 'running'
	`, jobID, workerID)
	return checkGuarded(res, err, "renew job lease")
}

// RequeueJobWithoutPenalty returns a job to pending without counting against
// attempts, for environmental failures not caused by the worker.
func (d *DB) RequeueJobWithoutPenalty(ctx context.Context, jobID, workerID string, jitterSeconds int) error {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE scm_sync_jobs
		SET status = 'pending',
		    attempts = GREATEST(attempts - 1, 0),
		    not_before = now() + make_interval(secs => $3),
		    locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE job_id = $1 AND locked_by = $2
	`, jobID, workerID, jitterSeconds)
	return checkGuarded(res, err, "requeue job without penalty")
}

func pqTextArray(items []string) interface{} {
	if len(items) == 0 {
		return nil
	}
	return pq.Array(items)
}
