// Copyright 2025 James Ross
package store

import (
	"context"
	"fmt"
)

// ActorExists reports whether actorUserID has a registered identity row.
func (d *DB) ActorExists(ctx context.Context, actorUserID string) (bool, error) {
	var exists bool
	err := d.conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM identity_actors WHERE actor_user_id = $1)
	`, actorUserID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: actor exists: %w", err)
	}
	return exists, nil
}

// CreateActor registers actorUserID as auto-created, tolerating a concurrent
// insert of the same actor.
func (d *DB) CreateActor(ctx context.Context, actorUserID string) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO identity_actors (actor_user_id, auto_created)
		VALUES ($1, true)
		ON CONFLICT (actor_user_id) DO NOTHING
	`, actorUserID)
	if err != nil {
		return fmt.Errorf("store: create actor: %w", err)
	}
	return nil
}
