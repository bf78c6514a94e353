package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"kagan/internal/db"
)

// StatusChangeFunc is invoked synchronously, from within the mutating
// call, whenever a task's status column changes.
type StatusChangeFunc func(taskID string, old, new TaskStatus)

// ChangeFunc is invoked synchronously after every successful mutation of
// a task row, status change or not.
type ChangeFunc func(taskID string)

type TaskRepo struct {
	db *sql.DB

	mu              sync.Mutex
	onChange        []ChangeFunc
	onStatusChange  []StatusChangeFunc
}

func NewTaskRepo(sqlDB *sql.DB) *TaskRepo {
	return &TaskRepo{db: sqlDB}
}

// OnChange registers a callback fired after any task row mutation.
func (r *TaskRepo) OnChange(fn ChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

// OnStatusChange registers a callback fired whenever a task transitions
// between statuses. The automation engine uses this to emit
// TaskStatusChanged onto the event bus (§4.5).
func (r *TaskRepo) OnStatusChange(fn StatusChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStatusChange = append(r.onStatusChange, fn)
}

func (r *TaskRepo) fireChange(taskID string) {
	r.mu.Lock()
	listeners := append([]ChangeFunc(nil), r.onChange...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(taskID)
	}
}

func (r *TaskRepo) fireStatusChange(taskID string, old, new TaskStatus) {
	r.mu.Lock()
	listeners := append([]StatusChangeFunc(nil), r.onStatusChange...)
	r.mu.Unlock()
	for _, fn := range listeners {
		fn(taskID, old, new)
	}
	r.fireChange(taskID)
}

type NewTask struct {
	ProjectID          string
	Title              string
	Description        string
	Priority           TaskPriority
	TaskType           TaskType
	TerminalBackend    *string
	AgentBackend       *string
	ParentID           *string
	BaseBranch         *string
	AcceptanceCriteria string // JSON-encoded ordered list
}

func (r *TaskRepo) Create(ctx context.Context, in NewTask) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:                 newTaskID(),
		ProjectID:          in.ProjectID,
		Title:              in.Title,
		Description:        in.Description,
		Status:             TaskBacklog,
		Priority:           in.Priority,
		TaskType:           in.TaskType,
		TerminalBackend:    in.TerminalBackend,
		AgentBackend:       in.AgentBackend,
		ParentID:           in.ParentID,
		BaseBranch:         in.BaseBranch,
		AcceptanceCriteria: in.AcceptanceCriteria,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, title, description, status, priority, task_type,
			terminal_backend, agent_backend, parent_id, base_branch, acceptance_criteria,
			merge_failed, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority, t.TaskType,
		t.TerminalBackend, t.AgentBackend, t.ParentID, t.BaseBranch, t.AcceptanceCriteria,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (r *TaskRepo) Get(ctx context.Context, id string) (*Task, error) {
	row := r.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

func (r *TaskRepo) ListByProject(ctx context.Context, projectID string) ([]*Task, error) {
	rows, err := r.db.QueryContext(ctx, taskSelect+` WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TaskRepo) ListByStatus(ctx context.Context, status TaskStatus) ([]*Task, error) {
	rows, err := r.db.QueryContext(ctx, taskSelect+` WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// currentStatus reads a task's status. Callers must hold
// db.SQLiteWriteMutex so the read-then-write around a status change is
// race-free against other writers, which all serialise through the same
// mutex.
func (r *TaskRepo) currentStatus(ctx context.Context, id string) (TaskStatus, error) {
	var status TaskStatus
	err := r.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	return status, err
}

// SetStatus performs a soft status transition, updating updated_at and
// firing the registered status-change callbacks. Per §3: a successful
// merge (status -> DONE) must also clear merge_failed; callers that
// transition to DONE should do so via CompleteMerge instead of this
// method.
func (r *TaskRepo) SetStatus(ctx context.Context, id string, status TaskStatus) error {
	db.SQLiteWriteMutex.Lock()
	old, err := r.currentStatus(ctx, id)
	if err != nil {
		db.SQLiteWriteMutex.Unlock()
		return fmt.Errorf("read current status: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	db.SQLiteWriteMutex.Unlock()
	if err != nil {
		return err
	}

	if old != status {
		r.fireStatusChange(id, old, status)
	} else {
		r.fireChange(id)
	}
	return nil
}

// TaskUpdate carries the mutable subset of a task's own fields (not its
// status, which only transitions through SetStatus/SetMergeFailed/
// CompleteMerge so status-change callbacks always fire). A nil field is
// left unchanged.
type TaskUpdate struct {
	Title              *string
	Description        *string
	Priority           *TaskPriority
	TerminalBackend    *string
	AgentBackend       *string
	BaseBranch         *string
	AcceptanceCriteria *string // JSON-encoded ordered list
}

func (r *TaskRepo) Update(ctx context.Context, id string, in TaskUpdate) (*Task, error) {
	db.SQLiteWriteMutex.Lock()
	current, err := scanTask(r.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id))
	if err != nil {
		db.SQLiteWriteMutex.Unlock()
		return nil, fmt.Errorf("read task for update: %w", err)
	}

	if in.Title != nil {
		current.Title = *in.Title
	}
	if in.Description != nil {
		current.Description = *in.Description
	}
	if in.Priority != nil {
		current.Priority = *in.Priority
	}
	if in.TerminalBackend != nil {
		current.TerminalBackend = in.TerminalBackend
	}
	if in.AgentBackend != nil {
		current.AgentBackend = in.AgentBackend
	}
	if in.BaseBranch != nil {
		current.BaseBranch = in.BaseBranch
	}
	if in.AcceptanceCriteria != nil {
		current.AcceptanceCriteria = *in.AcceptanceCriteria
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, priority = ?, terminal_backend = ?,
			agent_backend = ?, base_branch = ?, acceptance_criteria = ?, updated_at = ?
		 WHERE id = ?`,
		current.Title, current.Description, current.Priority, current.TerminalBackend,
		current.AgentBackend, current.BaseBranch, current.AcceptanceCriteria, time.Now().UTC(), id)
	db.SQLiteWriteMutex.Unlock()
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	r.fireChange(id)
	return r.Get(ctx, id)
}

func (r *TaskRepo) SetMergeFailed(ctx context.Context, id string, mergeErr string) error {
	db.SQLiteWriteMutex.Lock()
	old, err := r.currentStatus(ctx, id)
	if err != nil {
		db.SQLiteWriteMutex.Unlock()
		return fmt.Errorf("read current status: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE tasks SET merge_failed = 1, merge_error = ?, status = ?, updated_at = ? WHERE id = ?`,
		mergeErr, TaskReview, time.Now().UTC(), id)
	db.SQLiteWriteMutex.Unlock()
	if err != nil {
		return err
	}

	if old != TaskReview {
		r.fireStatusChange(id, old, TaskReview)
	} else {
		r.fireChange(id)
	}
	return nil
}

// CompleteMerge marks the merge successful: status DONE, merge_failed
// cleared, merge_error cleared.
func (r *TaskRepo) CompleteMerge(ctx context.Context, id string) error {
	db.SQLiteWriteMutex.Lock()
	old, err := r.currentStatus(ctx, id)
	if err != nil {
		db.SQLiteWriteMutex.Unlock()
		return fmt.Errorf("read current status: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, merge_failed = 0, merge_error = NULL, updated_at = ? WHERE id = ?`,
		TaskDone, time.Now().UTC(), id)
	db.SQLiteWriteMutex.Unlock()
	if err != nil {
		return err
	}

	if old != TaskDone {
		r.fireStatusChange(id, old, TaskDone)
	} else {
		r.fireChange(id)
	}
	return nil
}

func (r *TaskRepo) SetReviewOutcome(ctx context.Context, id string, checksPassed bool, summary, readiness string) error {
	db.SQLiteWriteMutex.Lock()
	_, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET checks_passed = ?, review_summary = ?, merge_readiness = ?, updated_at = ? WHERE id = ?`,
		checksPassed, summary, readiness, time.Now().UTC(), id)
	db.SQLiteWriteMutex.Unlock()
	if err != nil {
		return err
	}
	r.fireChange(id)
	return nil
}

func (r *TaskRepo) Delete(ctx context.Context, id string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func (r *TaskRepo) LinkTasks(ctx context.Context, taskID, refTaskID string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_links (task_id, ref_task_id) VALUES (?, ?)`, taskID, refTaskID)
	return err
}

func (r *TaskRepo) LinkedTasks(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT ref_task_id FROM task_links WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("linked tasks: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const taskSelect = `SELECT id, project_id, title, description, status, priority, task_type,
	terminal_backend, agent_backend, parent_id, base_branch, acceptance_criteria,
	checks_passed, review_summary, merge_failed, merge_error, merge_readiness,
	created_at, updated_at FROM tasks`

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var terminalBackend, agentBackend, parentID, baseBranch, reviewSummary, mergeError, mergeReadiness sql.NullString
	var checksPassed sql.NullBool
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.TaskType,
		&terminalBackend, &agentBackend, &parentID, &baseBranch, &t.AcceptanceCriteria,
		&checksPassed, &reviewSummary, &t.MergeFailed, &mergeError, &mergeReadiness,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if terminalBackend.Valid {
		t.TerminalBackend = &terminalBackend.String
	}
	if agentBackend.Valid {
		t.AgentBackend = &agentBackend.String
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	if baseBranch.Valid {
		t.BaseBranch = &baseBranch.String
	}
	if checksPassed.Valid {
		t.ChecksPassed = &checksPassed.Bool
	}
	if reviewSummary.Valid {
		t.ReviewSummary = &reviewSummary.String
	}
	if mergeError.Valid {
		t.MergeError = &mergeError.String
	}
	if mergeReadiness.Valid {
		t.MergeReadiness = &mergeReadiness.String
	}
	return &t, nil
}
