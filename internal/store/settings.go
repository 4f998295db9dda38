// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetOrCreateSettings fetches the per-project settings row, creating it with
// defaults (team_write_enabled=false, policy_json={}) on first read.
func (d *DB) GetOrCreateSettings(ctx context.Context, projectKey string) (*Settings, error) {
	s, err := d.getSettings(ctx, projectKey)
	if err == nil {
		return s, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO identity_settings (project_key, team_write_enabled, policy_json, updated_by, updated_at)
		VALUES ($1, false, '{}'::jsonb, 'system', now())
		ON CONFLICT (project_key) DO NOTHING
	`, projectKey)
	if err != nil {
		return nil, fmt.Errorf("store: create settings: %w", err)
	}
	return d.getSettings(ctx, projectKey)
}

func (d *DB) getSettings(ctx context.Context, projectKey string) (*Settings, error) {
	var s Settings
	row := d.conn.QueryRowContext(ctx, `
		SELECT project_key, team_write_enabled, policy_json, updated_by, updated_at
		FROM identity_settings WHERE project_key = $1
	`, projectKey)
	if err := row.Scan(&s.ProjectKey, &s.TeamWriteEnabled, &s.PolicyJSON, &s.UpdatedBy, &s.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get settings: %w", err)
	}
	return &s, nil
}

// UpdateSettings shallow-merges policyPatch into the stored policy_json and
// sets team_write_enabled if provided. Used by the governance-update operation.
func (d *DB) UpdateSettings(ctx context.Context, projectKey string, teamWriteEnabled *bool, policyPatch []byte, updatedBy string) (*Settings, error) {
	if _, err := d.GetOrCreateSettings(ctx, projectKey); err != nil {
		return nil, err
	}
	_, err := d.conn.ExecContext(ctx, `
		UPDATE identity_settings
		SET team_write_enabled = COALESCE($2, team_write_enabled),
		    policy_json = policy_json || COALESCE($3, '{}'::jsonb),
		    updated_by = $4,
		    updated_at = now()
		WHERE project_key = $1
	`, projectKey, teamWriteEnabled, nullableJSON(policyPatch), updatedBy)
	if err != nil {
		return nil, fmt.Errorf("store: update settings: %w", err)
	}
	return d.getSettings(ctx, projectKey)
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
