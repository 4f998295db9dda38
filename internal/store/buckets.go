// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetOrCreateBucket fetches the persisted token-bucket row for an instance,
// seeding it with defaultRate/defaultBurst tokens on first use.
func (d *DB) GetOrCreateBucket(ctx context.Context, instanceKey string, defaultRate, defaultBurst float64) (*InstanceBucket, error) {
	b, err := d.getBucket(ctx, instanceKey)
	if err == nil {
		return b, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO scm_instance_buckets (instance_key, tokens, rate, burst, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (instance_key) DO NOTHING
	`, instanceKey, defaultBurst, defaultRate, defaultBurst)
	if err != nil {
		return nil, fmt.Errorf("store: create bucket: %w", err)
	}
	return d.getBucket(ctx, instanceKey)
}

func (d *DB) getBucket(ctx context.Context, instanceKey string) (*InstanceBucket, error) {
	var b InstanceBucket
	err := d.conn.QueryRowContext(ctx, `
		SELECT instance_key, tokens, rate, burst, paused_until, updated_at
		FROM scm_instance_buckets WHERE instance_key = $1
	`, instanceKey).Scan(&b.InstanceKey, &b.Tokens, &b.Rate, &b.Burst, &b.PausedUntil, &b.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get bucket: %w", err)
	}
	return &b, nil
}

// ListAllBuckets returns every persisted instance bucket, used by the
// scheduler scan to build its per-instance rate-limit posture map.
func (d *DB) ListAllBuckets(ctx context.Context) ([]InstanceBucket, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT instance_key, tokens, rate, burst, paused_until, updated_at
		FROM scm_instance_buckets
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list buckets: %w", err)
	}
	defer rows.Close()

	var out []InstanceBucket
	for rows.Next() {
		var b InstanceBucket
		if err := rows.Scan(&b.InstanceKey, &b.Tokens, &b.Rate, &b.Burst, &b.PausedUntil, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AcquireTokens performs the atomic refill-then-deduct update. It returns
// the resulting token count and whether n tokens were available; refill is
// computed server-side so concurrent workers converge without a central
// coordinator.
func (d *DB) AcquireTokens(ctx context.Context, instanceKey string, n float64) (allowed bool, remaining float64, pausedUntil *time.Time, err error) {
	row := d.conn.QueryRowContext(ctx, `
		WITH refilled AS (
			UPDATE scm_instance_buckets
			SET tokens = LEAST(burst, tokens + rate * GREATEST(EXTRACT(EPOCH FROM (now() - updated_at)), 0)),
			    updated_at = now()
			WHERE instance_key = $1
			RETURNING tokens, paused_until
		)
		UPDATE scm_instance_buckets b
		SET tokens = CASE WHEN r.tokens >= $2 AND (r.paused_until IS NULL OR r.paused_until < now())
		                  THEN r.tokens - $2 ELSE r.tokens END
		FROM refilled r
		WHERE b.instance_key = $1
		RETURNING b.tokens, b.paused_until,
		          (r.tokens >= $2 AND (r.paused_until IS NULL OR r.paused_until < now()))
	`, instanceKey, n)
	if err := row.Scan(&remaining, &pausedUntil, &allowed); err != nil {
		return false, 0, nil, fmt.Errorf("store: acquire tokens: %w", err)
	}
	return allowed, remaining, pausedUntil, nil
}

// NotifyRateLimit sets paused_until to the later of the current value and
// the supplied hint, suppressing acquires until that instant.
func (d *DB) NotifyRateLimit(ctx context.Context, instanceKey string, until time.Time) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE scm_instance_buckets
		SET paused_until = GREATEST(COALESCE(paused_until, now()), $2), updated_at = now()
		WHERE instance_key = $1
	`, instanceKey, until)
	if err != nil {
		return fmt.Errorf("store: notify rate limit: %w", err)
	}
	return nil
}
