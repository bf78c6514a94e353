package jobs

import (
	"context"
	"fmt"

	"kagan/internal/automation"
	"kagan/internal/store"
	"kagan/pkg/gitwt"
)

// The closed action set a submit_job call may name (§4.4). Anything else
// fails UNSUPPORTED_ACTION with jobs.list_actions recovery metadata.
const (
	ActionStartAgent = "start_agent"
	ActionStopAgent  = "stop_agent"
	ActionRebaseTask = "rebase_task"
	ActionMergeTask  = "merge_task"
	ActionRunJanitor = "run_janitor"
)

// ListActions is the introspection tool UNSUPPORTED_ACTION points
// callers at via its next_tool metadata.
func ListActions() []string {
	return []string{ActionStartAgent, ActionStopAgent, ActionRebaseTask, ActionMergeTask, ActionRunJanitor}
}

type actionFunc func(ctx context.Context, svc *Service, task *store.Task, args map[string]any) (string, error)

var actionTable = map[string]actionFunc{
	ActionStartAgent: runStartAgent,
	ActionStopAgent:  runStopAgent,
	ActionRebaseTask: runRebaseTask,
	ActionMergeTask:  runMergeTask,
	ActionRunJanitor: runRunJanitor,
}

func runStartAgent(ctx context.Context, svc *Service, task *store.Task, _ map[string]any) (string, error) {
	if task.TaskType != store.TaskTypeAuto {
		return "", automation.ErrTaskNotAuto
	}
	svc.engine.EnqueueSpawn(task.ID)
	return "queued for admission", nil
}

func runStopAgent(ctx context.Context, svc *Service, task *store.Task, _ map[string]any) (string, error) {
	if err := svc.engine.StopTask(ctx, task.ID); err != nil {
		return "", err
	}
	return "agent stopped", nil
}

func runRebaseTask(ctx context.Context, svc *Service, task *store.Task, _ map[string]any) (string, error) {
	repos, err := svc.provisionedRepos(ctx, task.ID)
	if err != nil {
		return "", err
	}
	base := baseBranchOf(task)

	result, err := svc.git.RebaseOntoBase(ctx, repos, base)
	if err != nil {
		return "", err
	}
	if result.Conflicted {
		return "", fmt.Errorf("rebase conflict in %s: %v", result.ConflictedRepo, result.Files)
	}
	return fmt.Sprintf("rebased %d repo(s) onto %s", len(repos), base), nil
}

func runMergeTask(ctx context.Context, svc *Service, task *store.Task, args map[string]any) (string, error) {
	if svc.engine != nil && svc.engine.RuntimeView(task.ID).IsRunning {
		return "", automation.ErrWorkspaceLeased
	}

	squash := boolArg(args, "squash", false)
	allowConflicts := boolArg(args, "allow_conflicts", false)
	base := baseBranchOf(task)

	workspace, err := svc.store.Workspaces.ActiveForTask(ctx, task.ID)
	if err != nil {
		return "", err
	}
	if workspace == nil {
		return "", automation.ErrNoActiveWorkspace
	}
	links, err := svc.store.Workspaces.Repos(ctx, workspace.ID)
	if err != nil {
		return "", err
	}

	succeeded := 0
	for _, link := range links {
		repo, err := svc.store.Repos.Get(ctx, link.RepoID)
		if err != nil {
			return "", err
		}
		result, err := svc.git.MergeToMain(ctx, repo.ID, repo.Path, workspace.BranchName, base, squash, allowConflicts)
		if err != nil {
			return "", err
		}

		var commitSHA, prURL, conflictOp, conflictFiles *string
		if result.CommitSHA != "" {
			commitSHA = &result.CommitSHA
		}
		if result.ConflictOp != "" {
			conflictOp = &result.ConflictOp
		}
		if len(result.ConflictFiles) > 0 {
			files := fmt.Sprintf("%v", result.ConflictFiles)
			conflictFiles = &files
		}
		if _, err := svc.store.Merges.Record(ctx, store.MergeOutcome{
			WorkspaceID: workspace.ID, Strategy: mergeStrategy(squash), Success: result.Success,
			Message: result.Message, CommitSHA: commitSHA, PRURL: prURL,
			ConflictOp: conflictOp, ConflictFiles: conflictFiles,
		}); err != nil {
			return "", err
		}

		if !result.Success {
			_ = svc.store.Tasks.SetMergeFailed(ctx, task.ID, result.Message)
			return "", fmt.Errorf("merge failed for %s: %s", repo.Name, result.Message)
		}
		succeeded++
	}

	if err := svc.store.Tasks.CompleteMerge(ctx, task.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("merged %d repo(s) onto %s", succeeded, base), nil
}

func runRunJanitor(ctx context.Context, svc *Service, task *store.Task, args map[string]any) (string, error) {
	pruneWorktrees := boolArg(args, "prune_worktrees", true)
	gcBranches := boolArg(args, "gc_branches", false)

	active, err := svc.store.Workspaces.ActiveForProject(ctx, task.ProjectID)
	if err != nil {
		return "", err
	}
	validWorkspaceIDs := make(map[string]bool, len(active))
	for _, w := range active {
		validWorkspaceIDs[w.ID] = true
	}

	repos, err := svc.store.Repos.ListForProject(ctx, task.ProjectID)
	if err != nil {
		return "", err
	}
	onDisk := make([]gitwt.RepoOnDisk, 0, len(repos))
	for _, r := range repos {
		onDisk = append(onDisk, gitwt.RepoOnDisk{RepoID: r.ID, RepoPath: r.Path})
	}

	report := svc.git.Janitor(ctx, onDisk, validWorkspaceIDs, pruneWorktrees, gcBranches)
	return fmt.Sprintf("pruned %d repo(s), deleted %d branch(es), %d error(s)",
		len(report.Pruned), len(report.DeletedBranches), len(report.Errors)), nil
}

// provisionedRepos rebuilds the []gitwt.ProvisionedRepo view of a task's
// active workspace from the store, the same assembly
// internal/automation's spawn sequence does when it finds an existing
// workspace rather than provisioning a fresh one.
func (svc *Service) provisionedRepos(ctx context.Context, taskID string) ([]gitwt.ProvisionedRepo, error) {
	workspace, err := svc.store.Workspaces.ActiveForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if workspace == nil {
		return nil, automation.ErrNoActiveWorkspace
	}
	links, err := svc.store.Workspaces.Repos(ctx, workspace.ID)
	if err != nil {
		return nil, err
	}
	out := make([]gitwt.ProvisionedRepo, 0, len(links))
	for _, link := range links {
		repo, err := svc.store.Repos.Get(ctx, link.RepoID)
		if err != nil {
			return nil, err
		}
		out = append(out, gitwt.ProvisionedRepo{
			RepoID: repo.ID, RepoName: repo.Name, RepoPath: repo.Path,
			WorktreePath: link.WorktreePath, TargetBranch: link.TargetBranch,
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

func mergeStrategy(squash bool) string {
	if squash {
		return "squash"
	}
	return "merge"
}

func boolArg(args map[string]any, key string, def bool) bool {
	if args == nil {
		return def
	}
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}
