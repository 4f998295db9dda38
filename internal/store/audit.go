// Copyright 2025 James Ross
package store

import (
	"context"
	"fmt"
)

// InsertAudit appends one write-governance decision. Audit is best-effort:
// callers in a DB-error path should log and continue rather than fail the
// caller-visible operation on an audit-insert error.
func (d *DB) InsertAudit(ctx context.Context, rec AuditRecord) (int64, error) {
	var id int64
	err := d.conn.QueryRowContext(ctx, `
		INSERT INTO logbook_write_audit
			(ts, actor_user_id, target_space, action, reason, payload_sha, evidence_refs_json)
		VALUES (now(), $1, $2, $3, $4, $5, $6)
		RETURNING audit_id
	`, rec.ActorUserID, rec.TargetSpace, rec.Action, rec.Reason, rec.PayloadSHA, rec.EvidenceRefsJSON).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert audit: %w", err)
	}
	return id, nil
}

// FindAuditByPayloadSHA supports join queries for operator tooling.
func (d *DB) FindAuditByPayloadSHA(ctx context.Context, sha string) ([]AuditRecord, error) {
	rows, err := d.conn.QueryContext(ctx, `
		SELECT audit_id, ts, actor_user_id, target_space, action, reason, payload_sha, evidence_refs_json
		FROM logbook_write_audit WHERE payload_sha = $1 ORDER BY ts ASC
	`, sha)
	if err != nil {
		return nil, fmt.Errorf("store: find audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.AuditID, &r.Ts, &r.ActorUserID, &r.TargetSpace, &r.Action, &r.Reason, &r.PayloadSHA, &r.EvidenceRefsJSON); err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
