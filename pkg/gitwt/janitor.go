package gitwt

import (
	"context"
	"fmt"
	"strings"
)

// JanitorReport summarizes one run_janitor pass (§4.3 "Janitor").
type JanitorReport struct {
	Pruned        []string // repo paths where `git worktree prune` ran
	DeletedBranches []string
	Errors        []string
}

// RepoOnDisk identifies one repo the janitor should sweep.
type RepoOnDisk struct {
	RepoID   string
	RepoPath string
}

// Janitor runs run_janitor(valid_workspace_ids, prune_worktrees,
// gc_branches): optionally prunes stale worktree admin state per repo,
// then optionally deletes local kagan/<workspace_id> branches whose
// workspace_id is not in validWorkspaceIDs and which no worktree
// currently checks out. Branches under kagan/merge-worktree-... are
// always exempt.
func (s *Service) Janitor(ctx context.Context, repos []RepoOnDisk, validWorkspaceIDs map[string]bool, pruneWorktrees, gcBranches bool) JanitorReport {
	var report JanitorReport

	for _, repo := range repos {
		if pruneWorktrees {
			if _, err := runGit(ctx, repo.RepoPath, "worktree", "prune"); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: prune: %v", repo.RepoID, err))
				continue
			}
			report.Pruned = append(report.Pruned, repo.RepoPath)
		}

		if !gcBranches {
			continue
		}

		checkedOut, err := checkedOutBranches(ctx, repo.RepoPath)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: list worktrees: %v", repo.RepoID, err))
			continue
		}

		branches, err := localKaganBranches(ctx, repo.RepoPath)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: list branches: %v", repo.RepoID, err))
			continue
		}

		for _, branch := range branches {
			if strings.HasPrefix(branch, "kagan/merge-worktree-") {
				continue
			}
			workspaceID := strings.TrimPrefix(branch, "kagan/")
			if validWorkspaceIDs[workspaceID] {
				continue
			}
			if checkedOut[branch] {
				continue
			}
			if _, err := runGitAllowFail(ctx, repo.RepoPath, "branch", "-D", branch); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("%s: delete branch %s: %v", repo.RepoID, branch, err))
				continue
			}
			report.DeletedBranches = append(report.DeletedBranches, branch)
		}
	}

	return report
}

func localKaganBranches(ctx context.Context, repoPath string) ([]string, error) {
	out, err := runGit(ctx, repoPath, "for-each-ref", "--format=%(refname:short)", "refs/heads/kagan/")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func checkedOutBranches(ctx context.Context, repoPath string) (map[string]bool, error) {
	out, err := runGit(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	checked := make(map[string]bool)
	for _, line := range splitLines(out) {
		if strings.HasPrefix(line, "branch ") {
			ref := strings.TrimPrefix(line, "branch ")
			checked[strings.TrimPrefix(ref, "refs/heads/")] = true
		}
	}
	return checked, nil
}

// CleanupOrphans removes the on-disk worktrees and workspace base
// directory for a workspace whose task no longer exists
// (cleanup_orphans(valid_task_ids), §4.3). Callers are expected to have
// already determined this workspace is orphaned and to mark it ARCHIVED
// in the store after this returns.
func (s *Service) CleanupOrphans(ctx context.Context, workspaceID string, repos []RepoInput) error {
	return s.Release(ctx, workspaceID, repos)
}
