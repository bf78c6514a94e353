package gitwt

import (
	"context"
	"fmt"
	"strings"
)

// MergeWorktreeBranch is the fixed branch name the merge worktree for a
// repo checks out, named so janitor/cleanup can recognize and exempt it
// from orphan-branch pruning (§4.3 "merge-worktrees/<repo_id>").
func MergeWorktreeBranch(repoID string) string {
	id := repoID
	if len(id) > 8 {
		id = id[:8]
	}
	return "kagan/merge-worktree-" + id
}

// ensureMergeWorktree creates merge-worktrees/<repo_id> if it does not
// already exist, checking out MergeWorktreeBranch(repoID). repoPath is
// the source repo's filesystem path the worktree is attached to.
func (s *Service) ensureMergeWorktree(ctx context.Context, repoID, repoPath string) (string, error) {
	path := s.mergeWorktreeDir(repoID)
	if pathExists(path) {
		return path, nil
	}
	branch := MergeWorktreeBranch(repoID)
	if _, err := runGit(ctx, repoPath, "worktree", "add", "-B", branch, path, "HEAD"); err != nil {
		return "", fmt.Errorf("create merge worktree for %s: %w", repoID, err)
	}
	return path, nil
}

func (s *Service) resetMergeWorktreeToBase(ctx context.Context, mergeWorktreePath, baseBranch string) error {
	target := baseBranch
	if hasRemote(ctx, mergeWorktreePath, "origin") {
		if _, err := runGit(ctx, mergeWorktreePath, "fetch", "origin", baseBranch); err == nil {
			target = "origin/" + baseBranch
		}
	}
	if _, err := runGit(ctx, mergeWorktreePath, "reset", "--hard", target); err != nil {
		return fmt.Errorf("reset merge worktree to %s: %w", target, err)
	}
	return nil
}

// PrepareConflict stages the task's conflicting changes in the primary
// repo's merge worktree so a PAIR session or review agent can resolve
// them by hand (§4.3 "Conflict preparation"). It resets the merge
// worktree to base, attempts `git merge --squash <task_branch>`, and
// leaves the result in place whether or not conflicts occurred: callers
// inspect the bool to know which.
func (s *Service) PrepareConflict(ctx context.Context, repoID, repoPath, taskBranch, baseBranch string) (bool, string, error) {
	mergeWorktreePath, err := s.ensureMergeWorktree(ctx, repoID, repoPath)
	if err != nil {
		return false, "", err
	}
	if err := s.resetMergeWorktreeToBase(ctx, mergeWorktreePath, baseBranch); err != nil {
		return false, "", err
	}

	_, mergeErr := runGitAllowFail(ctx, mergeWorktreePath, "merge", "--squash", taskBranch)
	status, err := runGit(ctx, mergeWorktreePath, "status", "--porcelain")
	if err != nil {
		return false, "", err
	}
	if hasConflictMarkers(status) {
		return true, "Merge conflicts prepared", nil
	}
	if _, err := runGitAllowFail(ctx, mergeWorktreePath, "merge", "--abort"); err != nil {
		// squash merges leave nothing to abort; ignore.
		_ = err
	}
	if mergeErr == nil {
		return false, "No conflicts detected", nil
	}
	return false, "No conflicts detected", nil
}

func hasConflictMarkers(porcelainStatus string) bool {
	markers := map[string]bool{"UU": true, "AA": true, "DD": true, "AU": true, "UA": true, "DU": true, "UD": true}
	for _, line := range splitLines(porcelainStatus) {
		if len(line) >= 2 && markers[line[:2]] {
			return true
		}
	}
	return false
}

// MergeResult is the outcome of MergeToMain, mirroring the persisted
// Merge record's shape (spec.md's Merge entity).
type MergeResult struct {
	Success      bool
	Message      string
	CommitSHA    string
	ConflictOp   string
	ConflictFiles []string
}

// MergeToMain runs the merge_to_main(task, base, squash, allow_conflicts)
// sequence from §4.3. It resolves the task branch, ensures the merge
// worktree exists, and either continues an in-progress merge there or
// starts a fresh one — squash or full-merge per squash — fast-forwarding
// base only on success.
func (s *Service) MergeToMain(ctx context.Context, repoID, repoPath, taskBranch, baseBranch string, squash, allowConflicts bool) (MergeResult, error) {
	mergeWorktreePath, err := s.ensureMergeWorktree(ctx, repoID, repoPath)
	if err != nil {
		return MergeResult{}, err
	}

	if mergeInProgress(ctx, mergeWorktreePath) {
		return s.continueInProgressMerge(ctx, repoPath, mergeWorktreePath, baseBranch, allowConflicts, taskBranch)
	}

	if err := s.resetMergeWorktreeToBase(ctx, mergeWorktreePath, baseBranch); err != nil {
		return MergeResult{}, err
	}

	ahead, err := runGit(ctx, mergeWorktreePath, "rev-list", "--count", "HEAD.."+taskBranch)
	if err != nil {
		return MergeResult{}, err
	}
	if strings.TrimSpace(ahead) == "0" {
		return MergeResult{Success: false, Message: "task branch has no commits ahead of base"}, nil
	}

	var mergeErr error
	if squash {
		_, mergeErr = runGitAllowFail(ctx, mergeWorktreePath, "merge", "--squash", taskBranch)
	} else {
		_, mergeErr = runGitAllowFail(ctx, mergeWorktreePath, "merge", taskBranch, "-m", fmt.Sprintf("Merge branch '%s'", taskBranch))
	}

	status, serr := runGit(ctx, mergeWorktreePath, "status", "--porcelain")
	if serr != nil {
		return MergeResult{}, serr
	}
	if hasConflictMarkers(status) {
		files := conflictFiles(ctx, mergeWorktreePath)
		if !allowConflicts {
			_, _ = runGitAllowFail(ctx, mergeWorktreePath, "merge", "--abort")
			return MergeResult{Success: false, Message: "merge conflicts", ConflictOp: "merge", ConflictFiles: files}, nil
		}
		return MergeResult{Success: false, Message: "merge conflicts prepared for manual resolution", ConflictOp: "merge", ConflictFiles: files}, nil
	}
	if mergeErr != nil {
		return MergeResult{}, fmt.Errorf("merge %s into %s: %w", taskBranch, baseBranch, mergeErr)
	}

	if squash {
		msg, err := s.SemanticCommitMessage(ctx, mergeWorktreePath, taskBranch)
		if err != nil {
			msg = fmt.Sprintf("Merge branch '%s'", taskBranch)
		}
		if _, err := commitAll(ctx, mergeWorktreePath, msg); err != nil {
			return MergeResult{}, fmt.Errorf("commit squashed changes: %w", err)
		}
	}

	return s.fastForwardBase(ctx, repoPath, mergeWorktreePath, baseBranch)
}

func (s *Service) continueInProgressMerge(ctx context.Context, repoPath, mergeWorktreePath, baseBranch string, allowConflicts bool, taskBranch string) (MergeResult, error) {
	if !allowConflicts {
		return MergeResult{Success: false, Message: "merge already in progress; allow_conflicts is false"}, nil
	}
	status, err := runGit(ctx, mergeWorktreePath, "status", "--porcelain")
	if err != nil {
		return MergeResult{}, err
	}
	if hasConflictMarkers(status) {
		return MergeResult{Success: false, Message: "conflict markers still present", ConflictOp: "merge", ConflictFiles: conflictFiles(ctx, mergeWorktreePath)}, nil
	}

	dirty, err := hasUncommittedChanges(ctx, mergeWorktreePath)
	if err != nil {
		return MergeResult{}, err
	}
	if dirty {
		msg, err := s.SemanticCommitMessage(ctx, mergeWorktreePath, taskBranch)
		if err != nil {
			msg = fmt.Sprintf("Merge branch '%s'", taskBranch)
		}
		if _, err := commitAll(ctx, mergeWorktreePath, msg); err != nil {
			return MergeResult{}, fmt.Errorf("commit staged resolution: %w", err)
		}
	}

	return s.fastForwardBase(ctx, repoPath, mergeWorktreePath, baseBranch)
}

// fastForwardBase updates repoPath's local baseBranch ref to the merge
// worktree's HEAD via a same-repo fetch, which git refuses unless the
// update is a fast-forward — enforcing the "clean base, HEAD on base
// branch" guard without needing to check out anything.
func (s *Service) fastForwardBase(ctx context.Context, repoPath, mergeWorktreePath, baseBranch string) (MergeResult, error) {
	sha, err := headCommit(ctx, mergeWorktreePath)
	if err != nil {
		return MergeResult{}, err
	}
	if _, err := runGit(ctx, repoPath, "fetch", mergeWorktreePath, "HEAD:refs/heads/"+baseBranch); err != nil {
		return MergeResult{}, fmt.Errorf("fast-forward %s: %w", baseBranch, err)
	}
	return MergeResult{Success: true, Message: "merged", CommitSHA: sha}, nil
}

func mergeInProgress(ctx context.Context, dir string) bool {
	gitDir, err := runGit(ctx, dir, "rev-parse", "--git-dir")
	if err != nil {
		return false
	}
	base := strings.TrimSpace(gitDir)
	if !isAbs(base) {
		base = dir + "/" + base
	}
	return pathExists(base + "/MERGE_HEAD")
}
