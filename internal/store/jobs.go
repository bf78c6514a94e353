package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kagan/internal/db"
)

// JobRepo persists the §4.4 job ledger: one row per submit_job call plus
// its append-only event log, independent of the IPC request/response
// path (a job outlives the connection that submitted it).
type JobRepo struct {
	db *sql.DB
}

func NewJobRepo(sqlDB *sql.DB) *JobRepo {
	return &JobRepo{db: sqlDB}
}

func (r *JobRepo) Submit(ctx context.Context, taskID, action, paramsJSON string) (*Job, error) {
	now := time.Now().UTC()
	j := &Job{
		ID:        newSortableID(),
		TaskID:    taskID,
		Action:    action,
		Status:    JobQueued,
		Params:    paramsJSON,
		CreatedAt: now,
		UpdatedAt: now,
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, task_id, action, status, params, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.TaskID, j.Action, j.Status, j.Params, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	return j, nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id)
	return scanJob(row)
}

// SetStatus transitions a job's status and optionally records its
// terminal result/message/code (§4.4: status ∈ {queued, running,
// succeeded, failed, cancelled}).
func (r *JobRepo) SetStatus(ctx context.Context, id string, status JobStatus, result, message, code *string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, message = ?, code = ?, updated_at = ? WHERE id = ?`,
		status, result, message, code, time.Now().UTC(), id)
	return err
}

func (r *JobRepo) AppendEvent(ctx context.Context, jobID, eventType, payloadJSON string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO job_events (id, job_id, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		newSortableID(), jobID, eventType, payloadJSON, time.Now().UTC())
	return err
}

// ListEvents returns a page of a job's event log ordered by
// (created_at, id), along with the total event count so callers can
// compute has_more/next_offset (§4.4 list_job_events pagination).
func (r *JobRepo) ListEvents(ctx context.Context, jobID string, limit, offset int) ([]*JobEvent, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_events WHERE job_id = ?`, jobID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count job events: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, job_id, event_type, payload, created_at FROM job_events
		 WHERE job_id = ? ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		jobID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var out []*JobEvent
	for rows.Next() {
		var e JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

const jobSelect = `SELECT id, task_id, action, status, params, result, message, code, created_at, updated_at FROM jobs`

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var result, message, code sql.NullString
	if err := row.Scan(&j.ID, &j.TaskID, &j.Action, &j.Status, &j.Params, &result, &message, &code, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if result.Valid {
		j.Result = &result.String
	}
	if message.Valid {
		j.Message = &message.String
	}
	if code.Valid {
		j.Code = &code.String
	}
	return &j, nil
}
