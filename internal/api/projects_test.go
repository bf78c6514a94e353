package api

import (
	"context"
	"testing"

	"kagan/internal/store"
)

func TestProjectsAttachRepoCreatesRepoOnFirstAttach(t *testing.T) {
	a, st := newTestAPI(t)
	ctx := context.Background()

	p, ierr := a.projectsCreate(ctx, mustJSON(t, map[string]any{"name": "demo"}))
	if ierr != nil {
		t.Fatalf("projects.create: %v", ierr)
	}
	projectID := p.(*store.Project).ID

	repoAny, ierr := a.projectsAttachRepo(ctx, mustJSON(t, map[string]any{
		"project_id": projectID,
		"path":       "/repo/one",
		"name":       "one",
		"is_primary": true,
	}))
	if ierr != nil {
		t.Fatalf("projects.attach_repo: %v", ierr)
	}
	repo := repoAny.(*store.Repo)
	if repo.Path != "/repo/one" {
		t.Fatalf("expected repo path to round trip, got %q", repo.Path)
	}

	primary, err := st.Projects.PrimaryRepo(ctx, projectID)
	if err != nil {
		t.Fatalf("primary repo: %v", err)
	}
	if primary != repo.ID {
		t.Errorf("expected the attached repo to become primary, got %q", primary)
	}

	// Attaching the same path again must reuse the existing Repo row
	// rather than creating a duplicate.
	repoAny2, ierr := a.projectsAttachRepo(ctx, mustJSON(t, map[string]any{
		"project_id": projectID,
		"path":       "/repo/one",
	}))
	if ierr != nil {
		t.Fatalf("projects.attach_repo (second): %v", ierr)
	}
	if repoAny2.(*store.Repo).ID != repo.ID {
		t.Error("expected re-attaching the same path to reuse the existing repo row")
	}
}

func TestProjectsDetachRepo(t *testing.T) {
	a, st := newTestAPI(t)
	ctx := context.Background()

	p, _ := a.projectsCreate(ctx, mustJSON(t, map[string]any{"name": "demo"}))
	projectID := p.(*store.Project).ID

	repoAny, ierr := a.projectsAttachRepo(ctx, mustJSON(t, map[string]any{
		"project_id": projectID, "path": "/repo/one",
	}))
	if ierr != nil {
		t.Fatalf("attach_repo: %v", ierr)
	}
	repoID := repoAny.(*store.Repo).ID

	if _, ierr := a.projectsDetachRepo(ctx, mustJSON(t, map[string]any{
		"project_id": projectID, "repo_id": repoID,
	})); ierr != nil {
		t.Fatalf("detach_repo: %v", ierr)
	}

	repos, err := st.Repos.ListForProject(ctx, projectID)
	if err != nil {
		t.Fatalf("list repos: %v", err)
	}
	if len(repos) != 0 {
		t.Errorf("expected no repos left attached, got %d", len(repos))
	}
}
