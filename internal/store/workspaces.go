package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"kagan/internal/db"
)

type WorkspaceRepo struct {
	db *sql.DB
}

func NewWorkspaceRepo(sqlDB *sql.DB) *WorkspaceRepo {
	return &WorkspaceRepo{db: sqlDB}
}

// Provision creates the Workspace row and one WorkspaceRepoLink row per
// repo, enforcing the "at most one ACTIVE workspace per task" invariant
// via the partial unique index on workspaces(task_id) WHERE status =
// 'ACTIVE'.
func (r *WorkspaceRepo) Provision(ctx context.Context, projectID, taskID, path, branchName string, repos []WorkspaceRepoLink) (*Workspace, error) {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin provision tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	w := &Workspace{
		ID:         newID(),
		ProjectID:  projectID,
		TaskID:     taskID,
		Path:       path,
		BranchName: branchName,
		Status:     WorkspaceActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workspaces (id, project_id, task_id, path, branch_name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.ProjectID, w.TaskID, w.Path, w.BranchName, w.Status, w.CreatedAt, w.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert workspace: %w", err)
	}

	for _, wr := range repos {
		id := newID()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workspace_repos (id, workspace_id, repo_id, target_branch, worktree_path)
			 VALUES (?, ?, ?, ?, ?)`,
			id, w.ID, wr.RepoID, wr.TargetBranch, wr.WorktreePath); err != nil {
			return nil, fmt.Errorf("insert workspace repo: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit provision tx: %w", err)
	}
	return w, nil
}

func (r *WorkspaceRepo) Get(ctx context.Context, id string) (*Workspace, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, project_id, task_id, path, branch_name, status, created_at, updated_at
		 FROM workspaces WHERE id = ?`, id)
	return scanWorkspace(row)
}

// ActiveForTask returns the task's ACTIVE workspace, or nil if there is
// none.
func (r *WorkspaceRepo) ActiveForTask(ctx context.Context, taskID string) (*Workspace, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, project_id, task_id, path, branch_name, status, created_at, updated_at
		 FROM workspaces WHERE task_id = ? AND status = 'ACTIVE'`, taskID)
	w, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// ActiveForProject lists every ACTIVE workspace in a project, the
// valid_workspace_ids source for run_janitor and cleanup_orphans.
func (r *WorkspaceRepo) ActiveForProject(ctx context.Context, projectID string) ([]*Workspace, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, project_id, task_id, path, branch_name, status, created_at, updated_at
		 FROM workspaces WHERE project_id = ? AND status = 'ACTIVE'`, projectID)
	if err != nil {
		return nil, fmt.Errorf("active workspaces for project: %w", err)
	}
	defer rows.Close()

	var out []*Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *WorkspaceRepo) Repos(ctx context.Context, workspaceID string) ([]*WorkspaceRepoLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, workspace_id, repo_id, target_branch, worktree_path FROM workspace_repos WHERE workspace_id = ?`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("workspace repos: %w", err)
	}
	defer rows.Close()

	var out []*WorkspaceRepoLink
	for rows.Next() {
		var wr WorkspaceRepoLink
		if err := rows.Scan(&wr.ID, &wr.WorkspaceID, &wr.RepoID, &wr.TargetBranch, &wr.WorktreePath); err != nil {
			return nil, err
		}
		out = append(out, &wr)
	}
	return out, rows.Err()
}

// Archive marks a workspace ARCHIVED; the caller is responsible for
// actually removing the underlying worktrees first.
func (r *WorkspaceRepo) Archive(ctx context.Context, id string) error {
	db.SQLiteWriteMutex.Lock()
	defer db.SQLiteWriteMutex.Unlock()

	_, err := r.db.ExecContext(ctx,
		`UPDATE workspaces SET status = 'ARCHIVED', updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func scanWorkspace(row rowScanner) (*Workspace, error) {
	var w Workspace
	if err := row.Scan(&w.ID, &w.ProjectID, &w.TaskID, &w.Path, &w.BranchName, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return &w, nil
}
