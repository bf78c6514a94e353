package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kagan/internal/db"
)

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(sqlDB *sql.DB) *AuditRepo {
	return &AuditRepo{db: sqlDB}
}

type AuditRecord struct {
	ActorType   string
	ActorID     string
	SessionID   *string
	Capability  string
	CommandName string
	PayloadJSON string
	ResultJSON  string
	Success     bool
}

// Append writes one immutable audit row. IDs are ULIDs so the trail can
// be paged by id alone without a secondary sort on occurred_at.
func (r *AuditRepo) Append(ctx context.Context, rec AuditRecord) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, occurred_at, actor_type, actor_id, session_id, capability, command_name, payload_json, result_json, success)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newSortableID(), time.Now().UTC(), rec.ActorType, rec.ActorID, rec.SessionID,
		rec.Capability, rec.CommandName, rec.PayloadJSON, rec.ResultJSON, rec.Success)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Since returns audit events at or after a given ULID cursor, ordered
// ascending, for incremental audit-trail export.
func (r *AuditRepo) Since(ctx context.Context, cursorID string, limit int) ([]*AuditEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, occurred_at, actor_type, actor_id, session_id, capability, command_name, payload_json, result_json, success
		 FROM audit_events WHERE id > ? ORDER BY id ASC LIMIT ?`, cursorID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit since: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var sessionID sql.NullString
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorType, &e.ActorID, &sessionID, &e.Capability, &e.CommandName, &e.PayloadJSON, &e.ResultJSON, &e.Success); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			e.SessionID = &sessionID.String
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
