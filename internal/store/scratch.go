package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kagan/internal/db"
)

type ScratchRepo struct {
	db *sql.DB
}

func NewScratchRepo(sqlDB *sql.DB) *ScratchRepo {
	return &ScratchRepo{db: sqlDB}
}

// Upsert writes or replaces a task's scratchpad. Callers are expected to
// have already truncated payload to the configured scratchpad byte
// limit before calling this (see internal/automation).
func (r *ScratchRepo) Upsert(ctx context.Context, taskID, scratchType, payloadJSON string) (*Scratch, error) {
	now := time.Now().UTC()

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scratches (id, scratch_type, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET scratch_type = excluded.scratch_type,
			payload = excluded.payload, updated_at = excluded.updated_at`,
		taskID, scratchType, payloadJSON, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert scratch: %w", err)
	}
	return &Scratch{ID: taskID, ScratchType: scratchType, Payload: payloadJSON, CreatedAt: now, UpdatedAt: now}, nil
}

func (r *ScratchRepo) Get(ctx context.Context, taskID string) (*Scratch, error) {
	var s Scratch
	err := r.db.QueryRowContext(ctx,
		`SELECT id, scratch_type, payload, created_at, updated_at FROM scratches WHERE id = ?`, taskID).
		Scan(&s.ID, &s.ScratchType, &s.Payload, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scratch: %w", err)
	}
	return &s, nil
}
