package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kagan/internal/db"
)

// ExecutionRepo covers ExecutionProcess, ExecutionProcessLog,
// ExecutionProcessRepoState and CodingAgentTurn — the four tables that
// exist only in the context of a single agent invocation, grouped
// under one repo since they're always read and written together.
type ExecutionRepo struct {
	db *sql.DB
}

func NewExecutionRepo(sqlDB *sql.DB) *ExecutionRepo {
	return &ExecutionRepo{db: sqlDB}
}

func (r *ExecutionRepo) Start(ctx context.Context, sessionID, runReason, executorActionJSON, metadataJSON string) (*ExecutionProcess, error) {
	now := time.Now().UTC()
	ep := &ExecutionProcess{
		ID:             newID(),
		SessionID:      sessionID,
		RunReason:      runReason,
		Status:         ExecutionRunning,
		ExecutorAction: executorActionJSON,
		Metadata:       metadataJSON,
		StartedAt:      now,
		UpdatedAt:      now,
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO execution_processes (id, session_id, run_reason, status, executor_action, metadata, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.SessionID, ep.RunReason, ep.Status, ep.ExecutorAction, ep.Metadata, ep.StartedAt, ep.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("start execution process: %w", err)
	}
	return ep, nil
}

func (r *ExecutionRepo) Get(ctx context.Context, id string) (*ExecutionProcess, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, session_id, run_reason, status, executor_action, metadata, started_at, updated_at, completed_at
		 FROM execution_processes WHERE id = ?`, id)
	return scanExecutionProcess(row)
}

func (r *ExecutionRepo) RunningForSession(ctx context.Context, sessionID string) ([]*ExecutionProcess, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, run_reason, status, executor_action, metadata, started_at, updated_at, completed_at
		 FROM execution_processes WHERE session_id = ? AND status = 'RUNNING'`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("running executions: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionProcess
	for rows.Next() {
		ep, err := scanExecutionProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (r *ExecutionRepo) Complete(ctx context.Context, id string, status ExecutionStatus) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`UPDATE execution_processes SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		status, now, now, id)
	return err
}

// AppendLog inserts an append-only log chunk; rows are later read back
// ordered by (inserted_at, id) per the data model's global invariant.
func (r *ExecutionRepo) AppendLog(ctx context.Context, executionProcessID, logs string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO execution_process_logs (id, execution_process_id, logs, byte_size, inserted_at)
		 VALUES (?, ?, ?, ?, ?)`,
		newSortableID(), executionProcessID, logs, len(logs), time.Now().UTC())
	return err
}

func (r *ExecutionRepo) Logs(ctx context.Context, executionProcessID string) ([]*ExecutionProcessLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, execution_process_id, logs, byte_size, inserted_at FROM execution_process_logs
		 WHERE execution_process_id = ? ORDER BY inserted_at ASC, id ASC`, executionProcessID)
	if err != nil {
		return nil, fmt.Errorf("execution logs: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionProcessLog
	for rows.Next() {
		var l ExecutionProcessLog
		if err := rows.Scan(&l.ID, &l.ExecutionProcessID, &l.Logs, &l.ByteSize, &l.InsertedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (r *ExecutionRepo) RecordRepoState(ctx context.Context, executionProcessID, repoID string, beforeHead *string) (*ExecutionProcessRepoState, error) {
	st := &ExecutionProcessRepoState{
		ID:                  newID(),
		ExecutionProcessID:  executionProcessID,
		RepoID:              repoID,
		BeforeHeadCommit:    beforeHead,
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO execution_process_repo_states (id, execution_process_id, repo_id, before_head_commit)
		 VALUES (?, ?, ?, ?)`,
		st.ID, st.ExecutionProcessID, st.RepoID, st.BeforeHeadCommit)
	if err != nil {
		return nil, fmt.Errorf("record repo state: %w", err)
	}
	return st, nil
}

func (r *ExecutionRepo) SetRepoStateAfter(ctx context.Context, id string, afterHead, mergeCommit *string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`UPDATE execution_process_repo_states SET after_head_commit = ?, merge_commit = ? WHERE id = ?`,
		afterHead, mergeCommit, id)
	return err
}

func (r *ExecutionRepo) StartTurn(ctx context.Context, executionProcessID string, prompt *string) (*CodingAgentTurn, error) {
	t := &CodingAgentTurn{
		ID:                  newID(),
		ExecutionProcessID:  executionProcessID,
		Prompt:              prompt,
		CreatedAt:           time.Now().UTC(),
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO coding_agent_turns (id, execution_process_id, prompt, seen, created_at)
		 VALUES (?, ?, ?, 0, ?)`,
		t.ID, t.ExecutionProcessID, t.Prompt, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("start turn: %w", err)
	}
	return t, nil
}

func (r *ExecutionRepo) CompleteTurn(ctx context.Context, id, summary string, agentSessionID, agentMessageID *string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`UPDATE coding_agent_turns SET summary = ?, agent_session_id = ?, agent_message_id = ? WHERE id = ?`,
		summary, agentSessionID, agentMessageID, id)
	return err
}

// UnseenTurns returns turns not yet drained by a client poll (§5
// tasks_wait / get_messages style long-poll consumers), marking them
// seen as it returns them.
func (r *ExecutionRepo) UnseenTurns(ctx context.Context, executionProcessID string) ([]*CodingAgentTurn, error) {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, execution_process_id, prompt, summary, agent_session_id, agent_message_id, seen, created_at
		 FROM coding_agent_turns WHERE execution_process_id = ? AND seen = 0 ORDER BY created_at ASC, id ASC`,
		executionProcessID)
	if err != nil {
		return nil, fmt.Errorf("unseen turns: %w", err)
	}
	defer rows.Close()

	var out []*CodingAgentTurn
	var ids []string
	for rows.Next() {
		var t CodingAgentTurn
		var prompt, summary, agentSessionID, agentMessageID sql.NullString
		if err := rows.Scan(&t.ID, &t.ExecutionProcessID, &prompt, &summary, &agentSessionID, &agentMessageID, &t.Seen, &t.CreatedAt); err != nil {
			return nil, err
		}
		if prompt.Valid {
			t.Prompt = &prompt.String
		}
		if summary.Valid {
			t.Summary = &summary.String
		}
		if agentSessionID.Valid {
			t.AgentSessionID = &agentSessionID.String
		}
		if agentMessageID.Valid {
			t.AgentMessageID = &agentMessageID.String
		}
		out = append(out, &t)
		ids = append(ids, t.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `UPDATE coding_agent_turns SET seen = 1 WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("mark turn seen: %w", err)
		}
	}
	return out, nil
}

func scanExecutionProcess(row rowScanner) (*ExecutionProcess, error) {
	var ep ExecutionProcess
	var completedAt sql.NullTime
	if err := row.Scan(&ep.ID, &ep.SessionID, &ep.RunReason, &ep.Status, &ep.ExecutorAction, &ep.Metadata, &ep.StartedAt, &ep.UpdatedAt, &completedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		ep.CompletedAt = &completedAt.Time
	}
	return &ep, nil
}
