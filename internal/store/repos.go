package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type RepoRepo struct {
	db *sql.DB
}

func NewRepoRepo(db *sql.DB) *RepoRepo {
	return &RepoRepo{db: db}
}

func (r *RepoRepo) Create(ctx context.Context, path, name, displayName, defaultBranch, scriptsJSON string) (*Repo, error) {
	rec := &Repo{
		ID:            newID(),
		Path:          path,
		Name:          name,
		DisplayName:   displayName,
		DefaultBranch: defaultBranch,
		Scripts:       scriptsJSON,
		CreatedAt:     time.Now().UTC(),
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO repos (id, path, name, display_name, default_branch, scripts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Path, rec.Name, rec.DisplayName, rec.DefaultBranch, rec.Scripts, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create repo: %w", err)
	}
	return rec, nil
}

func (r *RepoRepo) Get(ctx context.Context, id string) (*Repo, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, path, name, display_name, default_branch, scripts, created_at FROM repos WHERE id = ?`, id)
	return scanRepo(row)
}

func (r *RepoRepo) GetByPath(ctx context.Context, path string) (*Repo, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, path, name, display_name, default_branch, scripts, created_at FROM repos WHERE path = ?`, path)
	return scanRepo(row)
}

func (r *RepoRepo) ListForProject(ctx context.Context, projectID string) ([]*Repo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT r.id, r.path, r.name, r.display_name, r.default_branch, r.scripts, r.created_at
		 FROM repos r
		 JOIN project_repos pr ON pr.repo_id = r.id
		 WHERE pr.project_id = ?
		 ORDER BY pr.display_order ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list repos for project: %w", err)
	}
	defer rows.Close()

	var out []*Repo
	for rows.Next() {
		rec, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRepo(row rowScanner) (*Repo, error) {
	var rec Repo
	if err := row.Scan(&rec.ID, &rec.Path, &rec.Name, &rec.DisplayName, &rec.DefaultBranch, &rec.Scripts, &rec.CreatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
