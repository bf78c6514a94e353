package runtimeview

import (
	"context"
	"testing"

	"kagan/internal/db"
	"kagan/internal/store"
)

func TestRegistry_MarkStartedAndEnded(t *testing.T) {
	r := NewRegistry()

	r.MarkStarted("task1", "exec1", nil)
	v := r.View("task1")
	if !v.IsRunning || v.ExecutionID != "exec1" || v.RunCount != 1 {
		t.Fatalf("unexpected view after MarkStarted: %+v", v)
	}

	r.MarkEnded("task1")
	v = r.View("task1")
	if v.IsRunning {
		t.Error("expected is_running false after MarkEnded")
	}
}

func TestRegistry_BlockedLifecycle(t *testing.T) {
	r := NewRegistry()

	r.MarkBlocked("task1", "overlapping files", []string{"task2"}, []string{"foo.go"})
	v := r.View("task1")
	if !v.IsBlocked || v.BlockedReason != "overlapping files" || v.BlockedAt == nil {
		t.Fatalf("unexpected view after MarkBlocked: %+v", v)
	}

	r.ClearBlocked("task1")
	v = r.View("task1")
	if v.IsBlocked {
		t.Error("expected is_blocked false after ClearBlocked")
	}
}

func TestRegistry_RunningList(t *testing.T) {
	r := NewRegistry()
	r.MarkStarted("a", "e1", nil)
	r.MarkPending("b", "queued behind concurrency cap")

	running := r.Running()
	if len(running) != 1 || running[0] != "a" {
		t.Fatalf("expected only task 'a' to be running, got %v", running)
	}
}

func TestReconcileStartupState(t *testing.T) {
	tdb, err := db.NewTest(t)
	if err != nil {
		t.Fatalf("create test db: %v", err)
	}
	s := store.New(tdb)
	ctx := context.Background()

	p, err := s.Projects.Create(ctx, "demo", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := s.Tasks.Create(ctx, store.NewTask{ProjectID: p.ID, Title: "t", TaskType: store.TaskTypeAuto, Priority: store.PriorityMedium})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := s.Tasks.SetStatus(ctx, task.ID, store.TaskInProgress); err != nil {
		t.Fatalf("set status: %v", err)
	}
	repo, err := s.Repos.Create(ctx, "/repo/one", "one", "One", "main", "{}")
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	links := []store.WorkspaceRepoLink{{RepoID: repo.ID, TargetBranch: "main", WorktreePath: "/ws/one"}}
	ws, err := s.Workspaces.Provision(ctx, p.ID, task.ID, "/ws", "kagan/fix", links)
	if err != nil {
		t.Fatalf("provision workspace: %v", err)
	}
	sess, err := s.Sessions.Open(ctx, ws.ID, store.SessionACP, nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if _, err := s.Executions.Start(ctx, sess.ID, "implement", "{}", "{}"); err != nil {
		t.Fatalf("start execution: %v", err)
	}

	r := NewRegistry()
	orphaned, err := ReconcileStartupState(ctx, s, r)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(orphaned) != 0 {
		t.Errorf("expected no orphaned executions for a freshly-started run, got %v", orphaned)
	}

	running := r.Running()
	if len(running) != 1 || running[0] != task.ID {
		t.Fatalf("expected reconcile to mark %s running, got %v", task.ID, running)
	}
}
