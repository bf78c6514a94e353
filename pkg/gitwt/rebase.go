package gitwt

import (
	"context"
	"fmt"
)

// RebaseResult reports the outcome of RebaseOntoBase.
type RebaseResult struct {
	Conflicted bool
	ConflictedRepo string
	Files      []string
}

// RebaseOntoBase rebases every provisioned worktree onto baseBranch, one
// repo at a time (§4.3 "Rebase"). Per repo: fetch origin if a remote
// exists, auto-commit any uncommitted changes so they aren't lost under
// the rebase, then rebase. On conflict, the rebase is left in progress
// (so the agent or a human can resolve it) and the result reports which
// repo and files conflicted; RebaseOntoBase does not attempt later
// repos once one conflicts. If a rebase is already in progress in a
// repo when this is called, it is aborted first — §4.3 treats a stale
// in-progress rebase as an anomaly to clear, not a state to resume.
func (s *Service) RebaseOntoBase(ctx context.Context, repos []ProvisionedRepo, baseBranch string) (RebaseResult, error) {
	for _, repo := range repos {
		if rebaseInProgress(ctx, repo.WorktreePath) {
			if _, err := runGitAllowFail(ctx, repo.WorktreePath, "rebase", "--abort"); err != nil {
				return RebaseResult{}, fmt.Errorf("abort stale rebase in %s: %w", repo.RepoName, err)
			}
		}

		if hasRemote(ctx, repo.WorktreePath, "origin") {
			if _, err := runGit(ctx, repo.WorktreePath, "fetch", "origin", baseBranch); err != nil {
				return RebaseResult{}, fmt.Errorf("fetch origin in %s: %w", repo.RepoName, err)
			}
		}

		dirty, err := hasUncommittedChanges(ctx, repo.WorktreePath)
		if err != nil {
			return RebaseResult{}, fmt.Errorf("check worktree status in %s: %w", repo.RepoName, err)
		}
		if dirty {
			if _, err := commitAll(ctx, repo.WorktreePath, "wip: checkpoint before rebase"); err != nil {
				return RebaseResult{}, fmt.Errorf("checkpoint commit in %s: %w", repo.RepoName, err)
			}
		}

		if _, err := runGitAllowFail(ctx, repo.WorktreePath, "rebase", baseBranch); err != nil {
			files := conflictFiles(ctx, repo.WorktreePath)
			if len(files) > 0 {
				return RebaseResult{Conflicted: true, ConflictedRepo: repo.RepoName, Files: files}, nil
			}
			if aerr := s.abortRebase(ctx, repo.WorktreePath); aerr != nil {
				return RebaseResult{}, fmt.Errorf("rebase %s and recovery abort both failed: %w", repo.RepoName, err)
			}
			return RebaseResult{}, fmt.Errorf("rebase %s: %w", repo.RepoName, err)
		}
	}
	return RebaseResult{}, nil
}

func (s *Service) abortRebase(ctx context.Context, dir string) error {
	if !rebaseInProgress(ctx, dir) {
		return nil
	}
	_, err := runGitAllowFail(ctx, dir, "rebase", "--abort")
	return err
}
