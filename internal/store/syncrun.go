// Copyright 2025 James Ross
package store

import (
	"context"
	"fmt"
)

// InsertSyncRun appends a health record for one job execution.
func (d *DB) InsertSyncRun(ctx context.Context, r SyncRun) (string, error) {
	var id string
	err := d.conn.QueryRowContext(ctx, `
		INSERT INTO analysis_sync_runs
			(run_id, repo_id, job_type, started_at, ended_at, status, items_synced, items_failed,
			 total_requests, total_429_hits, timeout_count, error_category, cursor_before, cursor_after)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING run_id
	`, r.RepoID, r.JobType, r.StartedAt, r.EndedAt, r.Status, r.ItemsSynced, r.ItemsFailed,
		r.TotalRequests, r.Total429Hits, r.TimeoutCount, r.ErrorCategory, r.CursorBefore, r.CursorAfter).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("store: insert sync run: %w", err)
	}
	return id, nil
}

// RepoHealthAggregate summarizes recent sync_runs for one repo, feeding
// scheduler candidate scoring and circuit-breaker sampling.
type RepoHealthAggregate struct {
	RepoID        string
	RunCount      int
	FailedCount   int
	Total429Hits  int
	TotalRequests int
	LastStatus    string
}

// AggregateRepoHealth rolls up the last windowSize sync_runs per repo.
func (d *DB) AggregateRepoHealth(ctx context.Context, windowSize int) ([]RepoHealthAggregate, error) {
	rows, err := d.conn.QueryContext(ctx, `
		WITH recent AS (
			SELECT repo_id, status, total_429_hits, total_requests,
			       row_number() OVER (PARTITION BY repo_id ORDER BY started_at DESC) AS rn
			FROM analysis_sync_runs
		)
		SELECT repo_id,
		       count(*) AS run_count,
		       count(*) FILTER (WHERE status = 'failed') AS failed_count,
		       sum(total_429_hits) AS hits_429,
		       sum(total_requests) AS requests,
		       (array_agg(status ORDER BY rn))[1] AS last_status
		FROM recent
		WHERE rn <= $1
		GROUP BY repo_id
	`, windowSize)
	if err != nil {
		return nil, fmt.Errorf("store: aggregate repo health: %w", err)
	}
	defer rows.Close()

	var out []RepoHealthAggregate
	for rows.Next() {
		var a RepoHealthAggregate
		if err := rows.Scan(&a.RepoID, &a.RunCount, &a.FailedCount, &a.Total429Hits, &a.TotalRequests, &a.LastStatus); err != nil {
			return nil, fmt.Errorf("store: scan repo health: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// QueuedPairs returns the set of (repo_id, job_type) with a non-terminal job,
// superseding the legacy repo-level is_queued flag.
func (d *DB) QueuedPairs(ctx context.Context) (map[string]map[string]bool, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT DISTINCT repo_id, job_type FROM scm_sync_jobs
		WHERE status IN ('pending', 'running')
	`)
	if err != nil {
		return nil, fmt.Errorf("store: queued pairs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]bool)
	for rows.Next() {
		var repoID, jobType string
		if err := rows.Scan(&repoID, &jobType); err != nil {
			return nil, fmt.Errorf("store: scan queued pair: %w", err)
		}
		if out[repoID] == nil {
			out[repoID] = make(map[string]bool)
		}
		out[repoID][jobType] = true
	}
	return out, rows.Err()
}
