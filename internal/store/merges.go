package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kagan/internal/db"
)

type MergeRepo struct {
	db *sql.DB
}

func NewMergeRepo(sqlDB *sql.DB) *MergeRepo {
	return &MergeRepo{db: sqlDB}
}

type MergeOutcome struct {
	WorkspaceID   string
	Strategy      string
	Success       bool
	Message       string
	CommitSHA     *string
	PRURL         *string
	ConflictOp    *string
	ConflictFiles *string
}

func (r *MergeRepo) Record(ctx context.Context, o MergeOutcome) (*Merge, error) {
	m := &Merge{
		ID:            newID(),
		WorkspaceID:   o.WorkspaceID,
		Strategy:      o.Strategy,
		Success:       o.Success,
		Message:       o.Message,
		CommitSHA:     o.CommitSHA,
		PRURL:         o.PRURL,
		ConflictOp:    o.ConflictOp,
		ConflictFiles: o.ConflictFiles,
		CreatedAt:     time.Now().UTC(),
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO merges (id, workspace_id, strategy, success, message, commit_sha, pr_url, conflict_op, conflict_files, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.WorkspaceID, m.Strategy, m.Success, m.Message, m.CommitSHA, m.PRURL, m.ConflictOp, m.ConflictFiles, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("record merge: %w", err)
	}
	return m, nil
}

func (r *MergeRepo) ListForWorkspace(ctx context.Context, workspaceID string) ([]*Merge, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, workspace_id, strategy, success, message, commit_sha, pr_url, conflict_op, conflict_files, created_at
		 FROM merges WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list merges: %w", err)
	}
	defer rows.Close()

	var out []*Merge
	for rows.Next() {
		var m Merge
		var commitSHA, prURL, conflictOp, conflictFiles sql.NullString
		if err := rows.Scan(&m.ID, &m.WorkspaceID, &m.Strategy, &m.Success, &m.Message, &commitSHA, &prURL, &conflictOp, &conflictFiles, &m.CreatedAt); err != nil {
			return nil, err
		}
		if commitSHA.Valid {
			m.CommitSHA = &commitSHA.String
		}
		if prURL.Valid {
			m.PRURL = &prURL.String
		}
		if conflictOp.Valid {
			m.ConflictOp = &conflictOp.String
		}
		if conflictFiles.Valid {
			m.ConflictFiles = &conflictFiles.String
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
