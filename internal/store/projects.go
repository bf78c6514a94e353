package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type ProjectRepo struct {
	db *sql.DB
}

func NewProjectRepo(db *sql.DB) *ProjectRepo {
	return &ProjectRepo{db: db}
}

func (r *ProjectRepo) Create(ctx context.Context, name, description string) (*Project, error) {
	p := &Project{
		ID:          newID(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (r *ProjectRepo) Get(ctx context.Context, id string) (*Project, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, description, created_at, last_opened_at FROM projects WHERE id = ?`, id)
	return scanProject(row)
}

func (r *ProjectRepo) List(ctx context.Context) ([]*Project, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, description, created_at, last_opened_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *ProjectRepo) TouchLastOpened(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE projects SET last_opened_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (r *ProjectRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	return err
}

// AttachRepo links a repo to a project; is_primary governs which
// WorkspaceRepo is treated as the workspace's primary checkout.
func (r *ProjectRepo) AttachRepo(ctx context.Context, projectID, repoID string, isPrimary bool, displayOrder int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO project_repos (project_id, repo_id, is_primary, display_order) VALUES (?, ?, ?, ?)`,
		projectID, repoID, isPrimary, displayOrder)
	return err
}

func (r *ProjectRepo) DetachRepo(ctx context.Context, projectID, repoID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM project_repos WHERE project_id = ? AND repo_id = ?`, projectID, repoID)
	return err
}

// PrimaryRepo returns the repo_id marked is_primary, or else the one
// with the lowest display_order, per §3's global invariant.
func (r *ProjectRepo) PrimaryRepo(ctx context.Context, projectID string) (string, error) {
	var repoID string
	err := r.db.QueryRowContext(ctx,
		`SELECT repo_id FROM project_repos WHERE project_id = ?
		 ORDER BY is_primary DESC, display_order ASC LIMIT 1`, projectID).Scan(&repoID)
	if err != nil {
		return "", fmt.Errorf("primary repo: %w", err)
	}
	return repoID, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*Project, error) {
	var p Project
	var lastOpened sql.NullTime
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt, &lastOpened); err != nil {
		return nil, err
	}
	if lastOpened.Valid {
		p.LastOpenedAt = &lastOpened.Time
	}
	return &p, nil
}
