package api

import (
	"context"
	"encoding/json"

	"kagan/internal/ipc"
	"kagan/internal/store"
	"kagan/pkg/gitwt"
)

func (a *API) registerWorkspaces(host *ipc.Host) {
	host.Register("workspaces", "diff", a.workspacesDiff)
	host.Register("workspaces", "diff_stats", a.workspacesDiffStats)
	host.Register("workspaces", "files_changed", a.workspacesFilesChanged)
	host.Register("workspaces", "commit_log", a.workspacesCommitLog)
	host.Register("workspaces", "rebase", a.workspacesRebase)
	host.Register("workspaces", "prepare_conflict", a.workspacesPrepareConflict)
	host.Register("workspaces", "merge", a.workspacesMerge)
	host.Register("workspaces", "janitor", a.workspacesJanitor)
}

// provisionedRepos loads the task's active-workspace WorkspaceRepo links
// joined against Repo rows, the same read-only join internal/jobs's
// provisionedRepos and internal/automation's ensureWorkspace use.
func (a *API) provisionedRepos(ctx context.Context, taskID string) ([]gitwt.ProvisionedRepo, error) {
	ws, err := a.Store.Workspaces.ActiveForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if ws == nil {
		return nil, nil
	}
	links, err := a.Store.Workspaces.Repos(ctx, ws.ID)
	if err != nil {
		return nil, err
	}
	out := make([]gitwt.ProvisionedRepo, 0, len(links))
	for _, l := range links {
		repo, rerr := a.Store.Repos.Get(ctx, l.RepoID)
		if rerr != nil {
			return nil, rerr
		}
		out = append(out, gitwt.ProvisionedRepo{
			RepoID: repo.ID, RepoName: repo.Name, RepoPath: repo.Path,
			WorktreePath: l.WorktreePath, TargetBranch: l.TargetBranch,
		})
	}
	return out, nil
}

func baseBranchOf(task *store.Task) string {
	if task.BaseBranch != nil && *task.BaseBranch != "" {
		return *task.BaseBranch
	}
	return "main"
}

type diffParams struct {
	TaskID string `json:"task_id"`
}

func (a *API) resolveDiffInputs(ctx context.Context, raw json.RawMessage) (string, []gitwt.ProvisionedRepo, *ipc.Error) {
	var p diffParams
	if err := decode(raw, &p); err != nil {
		return "", nil, err
	}
	if p.TaskID == "" {
		return "", nil, ipc.NewError(ipc.ErrInvalidParams, "task_id is required")
	}
	if _, terr := a.Store.Tasks.Get(ctx, p.TaskID); terr != nil {
		return "", nil, notFound(terr)
	}
	repos, rerr := a.provisionedRepos(ctx, p.TaskID)
	if rerr != nil {
		return "", nil, internalErr(rerr)
	}
	return p.TaskID, repos, nil
}

func (a *API) workspacesDiff(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	taskID, repos, err := a.resolveDiffInputs(ctx, params)
	if err != nil {
		return nil, err
	}
	task, _ := a.Store.Tasks.Get(ctx, taskID)
	out, derr := a.Git.Diff(ctx, taskID, baseBranchOf(task), repos)
	if derr != nil {
		return nil, internalErr(derr)
	}
	return map[string]any{"diff": out}, nil
}

func (a *API) workspacesDiffStats(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	taskID, repos, err := a.resolveDiffInputs(ctx, params)
	if err != nil {
		return nil, err
	}
	task, _ := a.Store.Tasks.Get(ctx, taskID)
	out, derr := a.Git.DiffStats(ctx, taskID, baseBranchOf(task), repos)
	if derr != nil {
		return nil, internalErr(derr)
	}
	return map[string]any{"diff_stats": out}, nil
}

func (a *API) workspacesFilesChanged(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	taskID, repos, err := a.resolveDiffInputs(ctx, params)
	if err != nil {
		return nil, err
	}
	task, _ := a.Store.Tasks.Get(ctx, taskID)
	out, derr := a.Git.FilesChanged(ctx, taskID, baseBranchOf(task), repos)
	if derr != nil {
		return nil, internalErr(derr)
	}
	return map[string]any{"files_changed": out}, nil
}

func (a *API) workspacesCommitLog(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	taskID, repos, err := a.resolveDiffInputs(ctx, params)
	if err != nil {
		return nil, err
	}
	task, _ := a.Store.Tasks.Get(ctx, taskID)
	out, derr := a.Git.CommitLog(ctx, taskID, baseBranchOf(task), repos)
	if derr != nil {
		return nil, internalErr(derr)
	}
	return map[string]any{"commit_log": out}, nil
}

func (a *API) workspacesRebase(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	taskID, repos, err := a.resolveDiffInputs(ctx, params)
	if err != nil {
		return nil, err
	}
	task, _ := a.Store.Tasks.Get(ctx, taskID)
	result, rerr := a.Git.RebaseOntoBase(ctx, repos, baseBranchOf(task))
	if rerr != nil {
		return nil, internalErr(rerr)
	}
	return result, nil
}

func (a *API) workspacesPrepareConflict(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	task, terr := a.Store.Tasks.Get(ctx, p.TaskID)
	if terr != nil {
		return nil, notFound(terr)
	}
	repos, rerr := a.provisionedRepos(ctx, p.TaskID)
	if rerr != nil || len(repos) == 0 {
		return nil, ipc.NewError(ipc.ErrNotFound, "task has no active workspace")
	}
	primaryRepoID, _ := a.Store.Projects.PrimaryRepo(ctx, task.ProjectID)
	primary := gitwt.PrimaryWorktree(repos, primaryRepoID)
	ws, _ := a.Store.Workspaces.ActiveForTask(ctx, p.TaskID)

	prepared, msg, perr := a.Git.PrepareConflict(ctx, primary.RepoID, primary.RepoPath, ws.BranchName, baseBranchOf(task))
	if perr != nil {
		return nil, internalErr(perr)
	}
	return map[string]any{"prepared": prepared, "message": msg}, nil
}

func (a *API) workspacesMerge(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID         string `json:"task_id"`
		Squash         bool   `json:"squash"`
		AllowConflicts bool   `json:"allow_conflicts"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	task, terr := a.Store.Tasks.Get(ctx, p.TaskID)
	if terr != nil {
		return nil, notFound(terr)
	}
	repos, rerr := a.provisionedRepos(ctx, p.TaskID)
	if rerr != nil || len(repos) == 0 {
		return nil, ipc.NewError(ipc.ErrNotFound, "task has no active workspace")
	}
	primaryRepoID, _ := a.Store.Projects.PrimaryRepo(ctx, task.ProjectID)
	primary := gitwt.PrimaryWorktree(repos, primaryRepoID)
	ws, _ := a.Store.Workspaces.ActiveForTask(ctx, p.TaskID)

	result, merr := a.Git.MergeToMain(ctx, primary.RepoID, primary.RepoPath, ws.BranchName, baseBranchOf(task), p.Squash, p.AllowConflicts)
	if merr != nil {
		_ = a.Store.Tasks.SetMergeFailed(ctx, p.TaskID, merr.Error())
		return nil, internalErr(merr)
	}

	strategy := "merge"
	if p.Squash {
		strategy = "squash"
	}
	var commitSHA *string
	if result.CommitSHA != "" {
		commitSHA = &result.CommitSHA
	}
	_, _ = a.Store.Merges.Record(ctx, store.MergeOutcome{
		WorkspaceID: ws.ID, Strategy: strategy, Success: result.Success, Message: result.Message,
		CommitSHA: commitSHA,
	})

	if result.Success {
		if err := a.Store.Tasks.CompleteMerge(ctx, p.TaskID); err != nil {
			return nil, internalErr(err)
		}
	} else {
		if err := a.Store.Tasks.SetMergeFailed(ctx, p.TaskID, result.Message); err != nil {
			return nil, internalErr(err)
		}
	}
	return result, nil
}

func (a *API) workspacesJanitor(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		ProjectID      string `json:"project_id"`
		PruneWorktrees bool   `json:"prune_worktrees"`
		GCBranches     bool   `json:"gc_branches"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	workspaces, werr := a.Store.Workspaces.ActiveForProject(ctx, p.ProjectID)
	if werr != nil {
		return nil, internalErr(werr)
	}
	valid := make(map[string]bool, len(workspaces))
	for _, w := range workspaces {
		valid[w.ID] = true
	}

	repos, rerr := a.Store.Repos.ListForProject(ctx, p.ProjectID)
	if rerr != nil {
		return nil, internalErr(rerr)
	}
	onDisk := make([]gitwt.RepoOnDisk, 0, len(repos))
	for _, r := range repos {
		onDisk = append(onDisk, gitwt.RepoOnDisk{RepoID: r.ID, RepoPath: r.Path})
	}

	report := a.Git.Janitor(ctx, onDisk, valid, p.PruneWorktrees, p.GCBranches)
	return report, nil
}
