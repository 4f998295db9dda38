// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertScmRepo inserts or updates a tracked repository.
func (d *DB) UpsertScmRepo(ctx context.Context, r ScmRepo) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO scm_repos (repo_id, vcs_type, remote_url, tenant_id, instance_key)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (repo_id) DO UPDATE
		SET vcs_type = $2, remote_url = $3, tenant_id = $4, instance_key = $5
	`, r.RepoID, r.VCSType, r.RemoteURL, r.TenantID, r.InstanceKey)
	if err != nil {
		return fmt.Errorf("store: upsert scm repo: %w", err)
	}
	return nil
}

// GetScmRepo fetches one repo by id.
func (d *DB) GetScmRepo(ctx context.Context, repoID string) (*ScmRepo, error) {
	var r ScmRepo
	err := d.conn.QueryRowContext(ctx, `
		SELECT repo_id, vcs_type, remote_url, tenant_id, instance_key
		FROM scm_repos WHERE repo_id = $1
	`, repoID).Scan(&r.RepoID, &r.VCSType, &r.RemoteURL, &r.TenantID, &r.InstanceKey)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get scm repo: %w", err)
	}
	return &r, nil
}

// ListScmRepos returns all tracked repos, used by the scheduler scan.
func (d *DB) ListScmRepos(ctx context.Context) ([]ScmRepo, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT repo_id, vcs_type, remote_url, tenant_id, instance_key FROM scm_repos
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list scm repos: %w", err)
	}
	defer rows.Close()

	var out []ScmRepo
	for rows.Next() {
		var r ScmRepo
		if err := rows.Scan(&r.RepoID, &r.VCSType, &r.RemoteURL, &r.TenantID, &r.InstanceKey); err != nil {
			return nil, fmt.Errorf("store: scan scm repo: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetWatermark fetches the current cursor for (repo_id, job_type).
func (d *DB) GetWatermark(ctx context.Context, repoID, jobType string) (*Watermark, error) {
	var w Watermark
	err := d.conn.QueryRowContext(ctx, `
		SELECT repo_id, job_type, cursor_time, cursor_rev, updated_at
		FROM scm_watermarks WHERE repo_id = $1 AND job_type = $2
	`, repoID, jobType).Scan(&w.RepoID, &w.JobType, &w.CursorTime, &w.CursorRev, &w.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get watermark: %w", err)
	}
	return &w, nil
}

// AdvanceWatermark moves the cursor forward only. Returns
// ErrWatermarkRegression if the proposed value would move it backward.
func (d *DB) AdvanceWatermark(ctx context.Context, repoID, jobType string, cursorTime *time.Time, cursorRev *int64) error {
	existing, err := d.GetWatermark(ctx, repoID, jobType)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil {
		if cursorRev != nil && existing.CursorRev != nil && *cursorRev < *existing.CursorRev {
			return ErrWatermarkRegression
		}
		if cursorTime != nil && existing.CursorTime != nil && cursorTime.Before(*existing.CursorTime) {
			return ErrWatermarkRegression
		}
	}
	var ct interface{}
	if cursorTime != nil {
		ct = *cursorTime
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO scm_watermarks (repo_id, job_type, cursor_time, cursor_rev, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (repo_id, job_type) DO UPDATE
		SET cursor_time = $3, cursor_rev = $4, updated_at = now()
	`, repoID, jobType, ct, cursorRev)
	if err != nil {
		return fmt.Errorf("store: advance watermark: %w", err)
	}
	return nil
}
