package gitwt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RepoInput describes one repo to provision a worktree for.
type RepoInput struct {
	RepoID       string
	RepoPath     string // source repo's filesystem path
	RepoName     string
	TargetBranch string
}

// ProvisionedRepo is the result of provisioning one repo's worktree.
type ProvisionedRepo struct {
	RepoID       string
	RepoName     string
	RepoPath     string // source repo's filesystem path
	WorktreePath string
	TargetBranch string
}

// Service owns Kagan's worktree directory layout (§4.3):
//
//	<root>/worktrees/<workspace_id>/<repo_name>
//	<root>/merge-worktrees/<repo_id>
type Service struct {
	root string

	cacheMu sync.Mutex
	cache   map[string]cacheEntry
}

type cacheEntry struct {
	value   string
	expires time.Time
}

const diffCacheTTL = 5 * time.Second

func NewService(root string) *Service {
	return &Service{root: root, cache: make(map[string]cacheEntry)}
}

func (s *Service) worktreesDir(workspaceID string) string {
	return filepath.Join(s.root, "worktrees", workspaceID)
}

// WorkspaceDir exposes the base directory Provision creates a
// workspace's worktrees under, for callers (internal/automation) that
// need to persist it as the Workspace row's path.
func (s *Service) WorkspaceDir(workspaceID string) string {
	return s.worktreesDir(workspaceID)
}

func (s *Service) mergeWorktreeDir(repoID string) string {
	return filepath.Join(s.root, "merge-worktrees", repoID)
}

// NewWorkspaceID mints the uuid[:8] workspace identifier §4.3 calls for.
func NewWorkspaceID() string {
	return uuid.NewString()[:8]
}

// BranchName is the default `kagan/<workspace_id>` branch naming
// convention (§4.3 step 1).
func BranchName(workspaceID string) string {
	return "kagan/" + workspaceID
}

// Provision creates one git worktree per repo, each on a fresh branch
// forked from its target branch. On any failure, every worktree created
// so far in this call is removed and the base directory is deleted
// before returning the error (§4.3 step 3).
func (s *Service) Provision(ctx context.Context, workspaceID, branchName string, repos []RepoInput) ([]ProvisionedRepo, error) {
	base := s.worktreesDir(workspaceID)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace base dir: %w", err)
	}

	var created []ProvisionedRepo
	abort := func(cause error) ([]ProvisionedRepo, error) {
		for _, c := range created {
			_, _ = runGitAllowFail(ctx, c.RepoPath, "worktree", "remove", "--force", c.WorktreePath)
		}
		os.RemoveAll(base)
		return nil, cause
	}

	for _, repo := range repos {
		worktreePath := filepath.Join(base, repo.RepoName)
		if _, err := runGit(ctx, repo.RepoPath, "worktree", "add", "-b", branchName, worktreePath, repo.TargetBranch); err != nil {
			return abort(fmt.Errorf("provision worktree for %s: %w", repo.RepoName, err))
		}
		created = append(created, ProvisionedRepo{
			RepoID:       repo.RepoID,
			RepoName:     repo.RepoName,
			RepoPath:     repo.RepoPath,
			WorktreePath: worktreePath,
			TargetBranch: repo.TargetBranch,
		})
	}

	return created, nil
}

// Release removes every worktree under a workspace and the workspace's
// base directory. Each repo's worktree is first removed via `git
// worktree remove` from the source repo so git's own admin metadata
// (.git/worktrees/...) is cleaned up, not just the directory.
func (s *Service) Release(ctx context.Context, workspaceID string, repos []RepoInput) error {
	var firstErr error
	for _, repo := range repos {
		worktreePath := filepath.Join(s.worktreesDir(workspaceID), repo.RepoName)
		if _, err := runGitAllowFail(ctx, repo.RepoPath, "worktree", "remove", "--force", worktreePath); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove worktree for %s: %w", repo.RepoName, err)
		}
	}
	os.RemoveAll(s.worktreesDir(workspaceID))
	return firstErr
}

// PrimaryWorktree selects the worktree whose RepoID is primaryRepoID,
// falling back to the first element of repos (§4.3 "Primary worktree
// selection"). It does not consult display order itself; internal/api
// passes ProjectRepo.PrimaryRepo's result, which prefers is_primary and
// then the lowest display_order, while the automation engine passes ""
// and so gets the first element.
func PrimaryWorktree(repos []ProvisionedRepo, primaryRepoID string) *ProvisionedRepo {
	if primaryRepoID != "" {
		for i := range repos {
			if repos[i].RepoID == primaryRepoID {
				return &repos[i]
			}
		}
	}
	if len(repos) == 0 {
		return nil
	}
	return &repos[0]
}
