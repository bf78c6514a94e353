package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kagan/internal/db"
)

// QueuedMessageRepo backs the §4.4 per-(session_or_task_key, lane) FIFO.
type QueuedMessageRepo struct {
	db *sql.DB
}

func NewQueuedMessageRepo(sqlDB *sql.DB) *QueuedMessageRepo {
	return &QueuedMessageRepo{db: sqlDB}
}

func (r *QueuedMessageRepo) Queue(ctx context.Context, queueKey, lane, content string) (*QueuedMessage, error) {
	m := &QueuedMessage{
		ID:        newID(),
		QueueKey:  queueKey,
		Lane:      lane,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO queued_messages (id, queue_key, lane, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.QueueKey, m.Lane, m.Content, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("queue message: %w", err)
	}
	return m, nil
}

// All returns every queued message for (queueKey, lane) in FIFO order.
func (r *QueuedMessageRepo) All(ctx context.Context, queueKey, lane string) ([]*QueuedMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, queue_key, lane, content, created_at FROM queued_messages
		 WHERE queue_key = ? AND lane = ? ORDER BY created_at ASC, id ASC`, queueKey, lane)
	if err != nil {
		return nil, fmt.Errorf("list queued messages: %w", err)
	}
	defer rows.Close()

	var out []*QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		if err := rows.Scan(&m.ID, &m.QueueKey, &m.Lane, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Take pops the oldest queued message for (queueKey, lane), or returns
// nil if the lane is empty (§4.4 take_queued).
func (r *QueuedMessageRepo) Take(ctx context.Context, queueKey, lane string) (*QueuedMessage, error) {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	row := r.db.QueryRowContext(ctx,
		`SELECT id, queue_key, lane, content, created_at FROM queued_messages
		 WHERE queue_key = ? AND lane = ? ORDER BY created_at ASC, id ASC LIMIT 1`, queueKey, lane)
	var m QueuedMessage
	if err := row.Scan(&m.ID, &m.QueueKey, &m.Lane, &m.Content, &m.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("take queued message: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM queued_messages WHERE id = ?`, m.ID); err != nil {
		return nil, fmt.Errorf("remove taken message: %w", err)
	}
	return &m, nil
}

// TakeAll pops every queued message for (queueKey, lane) in FIFO order.
func (r *QueuedMessageRepo) TakeAll(ctx context.Context, queueKey, lane string) ([]*QueuedMessage, error) {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, queue_key, lane, content, created_at FROM queued_messages
		 WHERE queue_key = ? AND lane = ? ORDER BY created_at ASC, id ASC`, queueKey, lane)
	if err != nil {
		return nil, fmt.Errorf("take all queued messages: %w", err)
	}
	var out []*QueuedMessage
	var ids []string
	for rows.Next() {
		var m QueuedMessage
		if err := rows.Scan(&m.ID, &m.QueueKey, &m.Lane, &m.Content, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, &m)
		ids = append(ids, m.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM queued_messages WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("remove taken message: %w", err)
		}
	}
	return out, nil
}

func (r *QueuedMessageRepo) Remove(ctx context.Context, id string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx, `DELETE FROM queued_messages WHERE id = ?`, id)
	return err
}

// CancelAll removes every queued message for (queueKey, lane), returning
// how many were removed (§4.4 cancel_queued).
func (r *QueuedMessageRepo) CancelAll(ctx context.Context, queueKey, lane string) (int, error) {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	res, err := r.db.ExecContext(ctx, `DELETE FROM queued_messages WHERE queue_key = ? AND lane = ?`, queueKey, lane)
	if err != nil {
		return 0, fmt.Errorf("cancel queued messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *QueuedMessageRepo) Count(ctx context.Context, queueKey, lane string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queued_messages WHERE queue_key = ? AND lane = ?`, queueKey, lane).Scan(&n)
	return n, err
}
