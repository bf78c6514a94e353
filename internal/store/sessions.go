package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kagan/internal/db"
)

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(sqlDB *sql.DB) *SessionRepo {
	return &SessionRepo{db: sqlDB}
}

func (r *SessionRepo) Open(ctx context.Context, workspaceID string, sessionType SessionType, externalID *string) (*Session, error) {
	s := &Session{
		ID:          newID(),
		WorkspaceID: workspaceID,
		SessionType: sessionType,
		Status:      SessionActive,
		ExternalID:  externalID,
		StartedAt:   time.Now().UTC(),
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, workspace_id, session_type, status, external_id, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorkspaceID, s.SessionType, s.Status, s.ExternalID, s.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, session_type, status, external_id, started_at, ended_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (r *SessionRepo) ActiveForWorkspace(ctx context.Context, workspaceID string) ([]*Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, workspace_id, session_type, status, external_id, started_at, ended_at
		 FROM sessions WHERE workspace_id = ? AND status = 'ACTIVE'`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("active sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SessionRepo) Close(ctx context.Context, id string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'CLOSED', ended_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var externalID sql.NullString
	var endedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.WorkspaceID, &s.SessionType, &s.Status, &externalID, &s.StartedAt, &endedAt); err != nil {
		return nil, err
	}
	if externalID.Valid {
		s.ExternalID = &externalID.String
	}
	if endedAt.Valid {
		s.EndedAt = &endedAt.Time
	}
	return &s, nil
}
