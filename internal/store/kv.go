// Copyright 2025 James Ross
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// GetKV reads an opaque JSON blob from the (namespace, key) store, used to
// persist circuit-breaker state across restarts.
func (d *DB) GetKV(ctx context.Context, namespace, key string) ([]byte, error) {
	var val []byte
	err := d.conn.QueryRowContext(ctx, `
		SELECT value FROM governance_kv WHERE namespace = $1 AND key = $2
	`, namespace, key).Scan(&val)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get kv: %w", err)
	}
	return val, nil
}

// GetKVAny returns the first present value among a list of keys, used for
// the circuit breaker's legacy-key read fallback during key-scheme upgrades.
func (d *DB) GetKVAny(ctx context.Context, namespace string, keys []string) ([]byte, string, error) {
	for _, k := range keys {
		v, err := d.GetKV(ctx, namespace, k)
		if err == nil {
			return v, k, nil
		}
		if err != ErrNotFound {
			return nil, "", err
		}
	}
	return nil, "", ErrNotFound
}

// SetKV upserts a (namespace, key) -> value blob, replacing the whole value.
// It does not compare against a previously read value: concurrent writers
// of the same key overwrite each other and the last write wins.
func (d *DB) SetKV(ctx context.Context, namespace, key string, value []byte) error {
	_, err := d.conn.ExecContext(ctx, `
		INSERT INTO governance_kv (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (namespace, key) DO UPDATE SET value = $3, updated_at = now()
	`, namespace, key, value)
	if err != nil {
		return fmt.Errorf("store: set kv: %w", err)
	}
	return nil
}
