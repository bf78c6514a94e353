package gitwt

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func setupBareableRepo(t *testing.T) (path string, baseBranch string) {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "initial")

	out, err := exec.Command("git", "-C", dir, "branch", "--show-current").Output()
	if err != nil {
		t.Fatal(err)
	}
	return dir, strings.TrimSpace(string(out))
}

func TestServiceProvisionAndRelease(t *testing.T) {
	repoPath, base := setupBareableRepo(t)
	ctx := context.Background()

	root := t.TempDir()
	svc := NewService(root)

	workspaceID := NewWorkspaceID()
	if len(workspaceID) != 8 {
		t.Fatalf("workspace id %q should be 8 chars", workspaceID)
	}
	branch := BranchName(workspaceID)

	repos, err := svc.Provision(ctx, workspaceID, branch, []RepoInput{
		{RepoID: "repo1", RepoPath: repoPath, RepoName: "repo1", TargetBranch: base},
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if len(repos) != 1 {
		t.Fatalf("expected 1 provisioned repo, got %d", len(repos))
	}
	if _, err := os.Stat(repos[0].WorktreePath); err != nil {
		t.Fatalf("worktree dir missing: %v", err)
	}

	primary := PrimaryWorktree(repos, "")
	if primary == nil || primary.RepoID != "repo1" {
		t.Fatalf("PrimaryWorktree fallback failed: %+v", primary)
	}

	if err := svc.Release(ctx, workspaceID, []RepoInput{
		{RepoID: "repo1", RepoPath: repoPath, RepoName: "repo1", TargetBranch: base},
	}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(repos[0].WorktreePath); !os.IsNotExist(err) {
		t.Fatalf("worktree dir should be gone, stat err = %v", err)
	}
}

func TestServiceDiffFamily(t *testing.T) {
	repoPath, base := setupBareableRepo(t)
	ctx := context.Background()
	root := t.TempDir()
	svc := NewService(root)

	workspaceID := NewWorkspaceID()
	branch := BranchName(workspaceID)
	repos, err := svc.Provision(ctx, workspaceID, branch, []RepoInput{
		{RepoID: "repo1", RepoPath: repoPath, RepoName: "repo1", TargetBranch: base},
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}

	wt := repos[0].WorktreePath
	if err := os.WriteFile(filepath.Join(wt, "new.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := commitAll(ctx, wt, "add new file"); err != nil {
		t.Fatalf("commitAll: %v", err)
	}

	changed, err := svc.FilesChanged(ctx, "task1", base, repos)
	if err != nil {
		t.Fatalf("FilesChanged: %v", err)
	}
	if !strings.Contains(changed, "new.txt") {
		t.Errorf("FilesChanged should mention new.txt, got %q", changed)
	}
	if !strings.Contains(changed, "## repo1") {
		t.Errorf("FilesChanged should label output with repo name, got %q", changed)
	}

	// second call should hit the cache and return the identical value.
	changed2, err := svc.FilesChanged(ctx, "task1", base, repos)
	if err != nil {
		t.Fatalf("FilesChanged (cached): %v", err)
	}
	if changed != changed2 {
		t.Errorf("cached FilesChanged differed: %q vs %q", changed, changed2)
	}
}

func TestSemanticCommitMessage(t *testing.T) {
	repoPath, base := setupBareableRepo(t)
	ctx := context.Background()

	if _, err := runGit(ctx, repoPath, "checkout", "-b", "kagan/feat-branch"); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repoPath, "auth.go"), []byte("package auth\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runGit(ctx, repoPath, "add", "."); err != nil {
		t.Fatal(err)
	}
	if _, err := runGit(ctx, repoPath, "commit", "-m", "Fix auth token refresh"); err != nil {
		t.Fatal(err)
	}

	svc := NewService(t.TempDir())
	msg, err := svc.SemanticCommitMessage(ctx, repoPath, "kagan/feat-branch")
	if err != nil {
		t.Fatalf("SemanticCommitMessage: %v", err)
	}
	if !strings.HasPrefix(msg, "fix(auth):") {
		t.Errorf("expected fix(auth) header, got %q", msg)
	}
	_ = base
}

func TestJanitorDeletesOrphanBranches(t *testing.T) {
	repoPath, base := setupBareableRepo(t)
	ctx := context.Background()

	if _, err := runGit(ctx, repoPath, "branch", "kagan/abc12345"); err != nil {
		t.Fatalf("create orphan branch: %v", err)
	}
	if _, err := runGit(ctx, repoPath, "branch", "kagan/merge-worktree-deadbeef"); err != nil {
		t.Fatalf("create merge-worktree branch: %v", err)
	}

	svc := NewService(t.TempDir())
	report := svc.Janitor(ctx, []RepoOnDisk{{RepoID: "repo1", RepoPath: repoPath}}, map[string]bool{}, true, true)

	foundOrphan := false
	for _, b := range report.DeletedBranches {
		if b == "kagan/abc12345" {
			foundOrphan = true
		}
		if b == "kagan/merge-worktree-deadbeef" {
			t.Errorf("merge-worktree branch should be exempt from gc, but was deleted")
		}
	}
	if !foundOrphan {
		t.Errorf("expected orphan branch kagan/abc12345 to be deleted, report = %+v", report)
	}
	_ = base
}
