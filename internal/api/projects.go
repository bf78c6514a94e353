package api

import (
	"context"
	"encoding/json"

	"kagan/internal/ipc"
)

func (a *API) registerProjects(host *ipc.Host) {
	host.Register("projects", "create", a.projectsCreate)
	host.Register("projects", "get", a.projectsGet)
	host.Register("projects", "list", a.projectsList)
	host.Register("projects", "delete", a.projectsDelete)
	host.Register("projects", "attach_repo", a.projectsAttachRepo)
	host.Register("projects", "detach_repo", a.projectsDetachRepo)
}

func (a *API) projectsCreate(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, ipc.NewError(ipc.ErrInvalidParams, "name is required")
	}
	project, err := a.Store.Projects.Create(ctx, p.Name, p.Description)
	if err != nil {
		return nil, internalErr(err)
	}
	return project, nil
}

func (a *API) projectsGet(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		ProjectID string `json:"project_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	project, err := a.Store.Projects.Get(ctx, p.ProjectID)
	if err != nil {
		return nil, notFound(err)
	}
	repos, err := a.Store.Repos.ListForProject(ctx, p.ProjectID)
	if err != nil {
		return nil, internalErr(err)
	}
	if err := a.Store.Projects.TouchLastOpened(ctx, p.ProjectID); err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"project": project, "repos": repos}, nil
}

func (a *API) projectsList(ctx context.Context, _ json.RawMessage) (any, *ipc.Error) {
	projects, err := a.Store.Projects.List(ctx)
	if err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"projects": projects}, nil
}

func (a *API) projectsDelete(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		ProjectID string `json:"project_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := a.Store.Projects.Delete(ctx, p.ProjectID); err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"deleted": true}, nil
}

type attachRepoParams struct {
	ProjectID     string `json:"project_id"`
	Path          string `json:"path"`
	Name          string `json:"name"`
	DisplayName   string `json:"display_name"`
	DefaultBranch string `json:"default_branch"`
	IsPrimary     bool   `json:"is_primary"`
	DisplayOrder  int    `json:"display_order"`
}

// projectsAttachRepo implements Repo "created with a project or attached
// later" (§3): it looks up an existing Repo row by filesystem path,
// creating one if this is the first time this path has been attached
// to any project, then links it into the project's repo set.
func (a *API) projectsAttachRepo(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p attachRepoParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ProjectID == "" || p.Path == "" {
		return nil, ipc.NewError(ipc.ErrInvalidParams, "project_id and path are required")
	}

	repo, err := a.Store.Repos.GetByPath(ctx, p.Path)
	if err != nil {
		repo, err = a.Store.Repos.Create(ctx, p.Path, p.Name, p.DisplayName, p.DefaultBranch, "{}")
		if err != nil {
			return nil, internalErr(err)
		}
	}

	if err := a.Store.Projects.AttachRepo(ctx, p.ProjectID, repo.ID, p.IsPrimary, p.DisplayOrder); err != nil {
		return nil, internalErr(err)
	}
	return repo, nil
}

func (a *API) projectsDetachRepo(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		ProjectID string `json:"project_id"`
		RepoID    string `json:"repo_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := a.Store.Projects.DetachRepo(ctx, p.ProjectID, p.RepoID); err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"detached": true}, nil
}
