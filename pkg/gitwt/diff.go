package gitwt

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// fanOut runs fn against every repo, labels each non-empty result with
// the repo's name, and concatenates them — the shape every "diff",
// "diff_stats", "files_changed", and "commit_log" query shares (§4.3
// "Diff family"). Empty repos are omitted from the output.
func fanOut(ctx context.Context, repos []ProvisionedRepo, fn func(context.Context, ProvisionedRepo) (string, error)) (string, error) {
	var sb strings.Builder
	for _, repo := range repos {
		out, err := fn(ctx, repo)
		if err != nil {
			return "", fmt.Errorf("%s: %w", repo.RepoName, err)
		}
		if strings.TrimSpace(out) == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n%s", repo.RepoName, strings.TrimRight(out, "\n"))
	}
	return sb.String(), nil
}

func (s *Service) cached(key string, compute func() (string, error)) (string, error) {
	s.cacheMu.Lock()
	if entry, ok := s.cache[key]; ok && time.Now().Before(entry.expires) {
		s.cacheMu.Unlock()
		return entry.value, nil
	}
	s.cacheMu.Unlock()

	value, err := compute()
	if err != nil {
		return "", err
	}

	s.cacheMu.Lock()
	s.cache[key] = cacheEntry{value: value, expires: time.Now().Add(diffCacheTTL)}
	s.cacheMu.Unlock()
	return value, nil
}

func cacheKey(operation, taskID, baseBranch string) string {
	return operation + "|" + taskID + "|" + baseBranch
}

// Diff returns `git diff <baseBranch>...HEAD` fanned out over every repo,
// cached for ~5s per (task, base branch) to absorb rapid UI refreshes.
func (s *Service) Diff(ctx context.Context, taskID, baseBranch string, repos []ProvisionedRepo) (string, error) {
	return s.cached(cacheKey("diff", taskID, baseBranch), func() (string, error) {
		return fanOut(ctx, repos, func(ctx context.Context, r ProvisionedRepo) (string, error) {
			return runGit(ctx, r.WorktreePath, "diff", baseBranch+"...HEAD")
		})
	})
}

// DiffStats returns `git diff --stat` fanned out over every repo.
func (s *Service) DiffStats(ctx context.Context, taskID, baseBranch string, repos []ProvisionedRepo) (string, error) {
	return s.cached(cacheKey("diff_stats", taskID, baseBranch), func() (string, error) {
		return fanOut(ctx, repos, func(ctx context.Context, r ProvisionedRepo) (string, error) {
			return runGit(ctx, r.WorktreePath, "diff", "--stat", baseBranch+"...HEAD")
		})
	})
}

// FilesChanged returns `git diff --name-only` fanned out over every repo.
func (s *Service) FilesChanged(ctx context.Context, taskID, baseBranch string, repos []ProvisionedRepo) (string, error) {
	return s.cached(cacheKey("files_changed", taskID, baseBranch), func() (string, error) {
		return fanOut(ctx, repos, func(ctx context.Context, r ProvisionedRepo) (string, error) {
			return runGit(ctx, r.WorktreePath, "diff", "--name-only", baseBranch+"...HEAD")
		})
	})
}

// CommitLog returns `git log --oneline` of commits ahead of baseBranch,
// fanned out over every repo.
func (s *Service) CommitLog(ctx context.Context, taskID, baseBranch string, repos []ProvisionedRepo) (string, error) {
	return s.cached(cacheKey("commit_log", taskID, baseBranch), func() (string, error) {
		return fanOut(ctx, repos, func(ctx context.Context, r ProvisionedRepo) (string, error) {
			return runGit(ctx, r.WorktreePath, "log", "--oneline", baseBranch+"..HEAD")
		})
	})
}
