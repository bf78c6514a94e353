package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kagan/internal/db"
)

type PlannerProposalRepo struct {
	db *sql.DB
}

func NewPlannerProposalRepo(sqlDB *sql.DB) *PlannerProposalRepo {
	return &PlannerProposalRepo{db: sqlDB}
}

func (r *PlannerProposalRepo) Create(ctx context.Context, projectID string, repoID *string, tasksJSON, todosJSON string) (*PlannerProposal, error) {
	now := time.Now().UTC()
	p := &PlannerProposal{
		ID:        newID(),
		ProjectID: projectID,
		RepoID:    repoID,
		TasksJSON: tasksJSON,
		TodosJSON: todosJSON,
		Status:    ProposalDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}

	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO planner_proposals (id, project_id, repo_id, tasks_json, todos_json, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ProjectID, p.RepoID, p.TasksJSON, p.TodosJSON, p.Status, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create planner proposal: %w", err)
	}
	return p, nil
}

func (r *PlannerProposalRepo) Get(ctx context.Context, id string) (*PlannerProposal, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, project_id, repo_id, tasks_json, todos_json, status, created_at, updated_at
		 FROM planner_proposals WHERE id = ?`, id)
	return scanPlannerProposal(row)
}

func (r *PlannerProposalRepo) SetStatus(ctx context.Context, id string, status ProposalStatus) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`UPDATE planner_proposals SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	return err
}

func (r *PlannerProposalRepo) ListByProject(ctx context.Context, projectID string) ([]*PlannerProposal, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, project_id, repo_id, tasks_json, todos_json, status, created_at, updated_at
		 FROM planner_proposals WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list planner proposals: %w", err)
	}
	defer rows.Close()

	var out []*PlannerProposal
	for rows.Next() {
		p, err := scanPlannerProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPlannerProposal(row rowScanner) (*PlannerProposal, error) {
	var p PlannerProposal
	var repoID sql.NullString
	if err := row.Scan(&p.ID, &p.ProjectID, &repoID, &p.TasksJSON, &p.TodosJSON, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if repoID.Valid {
		p.RepoID = &repoID.String
	}
	return &p, nil
}
