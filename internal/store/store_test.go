package store

import (
	"context"
	"testing"

	"kagan/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tdb, err := db.NewTest(t)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	return New(tdb)
}

func TestProjectRepo_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Projects.Create(ctx, "demo", "a demo project")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if p.ID == "" {
		t.Error("expected project ID to be set")
	}

	got, err := s.Projects.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Name != "demo" {
		t.Errorf("expected name 'demo', got %q", got.Name)
	}
}

func TestProjectRepo_PrimaryRepo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Projects.Create(ctx, "demo", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	r1, err := s.Repos.Create(ctx, "/repo/one", "one", "One", "main", "{}")
	if err != nil {
		t.Fatalf("create repo 1: %v", err)
	}
	r2, err := s.Repos.Create(ctx, "/repo/two", "two", "Two", "main", "{}")
	if err != nil {
		t.Fatalf("create repo 2: %v", err)
	}

	if err := s.Projects.AttachRepo(ctx, p.ID, r1.ID, false, 1); err != nil {
		t.Fatalf("attach repo 1: %v", err)
	}
	if err := s.Projects.AttachRepo(ctx, p.ID, r2.ID, true, 0); err != nil {
		t.Fatalf("attach repo 2: %v", err)
	}

	primary, err := s.Projects.PrimaryRepo(ctx, p.ID)
	if err != nil {
		t.Fatalf("primary repo: %v", err)
	}
	if primary != r2.ID {
		t.Errorf("expected repo marked is_primary to win, got %s want %s", primary, r2.ID)
	}
}

func TestTaskRepo_CreateAndTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Projects.Create(ctx, "demo", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	task, err := s.Tasks.Create(ctx, NewTask{
		ProjectID:          p.ID,
		Title:              "fix the bug",
		Priority:           PriorityHigh,
		TaskType:           TaskTypeAuto,
		AcceptanceCriteria: `["tests pass"]`,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if len(task.ID) != 8 {
		t.Errorf("expected 8-hex task id, got %q", task.ID)
	}
	if task.Status != TaskBacklog {
		t.Errorf("expected new task status BACKLOG, got %s", task.Status)
	}

	if err := s.Tasks.SetStatus(ctx, task.ID, TaskInProgress); err != nil {
		t.Fatalf("set status: %v", err)
	}

	got, err := s.Tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != TaskInProgress {
		t.Errorf("expected IN_PROGRESS, got %s", got.Status)
	}

	if err := s.Tasks.SetMergeFailed(ctx, task.ID, "conflict in foo.go"); err != nil {
		t.Fatalf("set merge failed: %v", err)
	}
	got, err = s.Tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task after merge failure: %v", err)
	}
	if !got.MergeFailed || got.Status != TaskReview {
		t.Errorf("expected merge_failed and status REVIEW, got failed=%v status=%s", got.MergeFailed, got.Status)
	}

	if err := s.Tasks.CompleteMerge(ctx, task.ID); err != nil {
		t.Fatalf("complete merge: %v", err)
	}
	got, err = s.Tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task after merge completion: %v", err)
	}
	if got.MergeFailed || got.Status != TaskDone {
		t.Errorf("expected merge cleared and status DONE, got failed=%v status=%s", got.MergeFailed, got.Status)
	}
}

func TestTaskRepo_StatusChangeNotifications(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Projects.Create(ctx, "demo", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := s.Tasks.Create(ctx, NewTask{ProjectID: p.ID, Title: "t", TaskType: TaskTypeAuto, Priority: PriorityMedium})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	type transition struct{ old, new TaskStatus }
	var transitions []transition
	var changed []string

	s.Tasks.OnStatusChange(func(taskID string, old, new TaskStatus) {
		transitions = append(transitions, transition{old, new})
	})
	s.Tasks.OnChange(func(taskID string) {
		changed = append(changed, taskID)
	})

	if err := s.Tasks.SetStatus(ctx, task.ID, TaskInProgress); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if len(transitions) != 1 || transitions[0].old != TaskBacklog || transitions[0].new != TaskInProgress {
		t.Fatalf("expected one BACKLOG->IN_PROGRESS transition, got %+v", transitions)
	}
	if len(changed) != 1 || changed[0] != task.ID {
		t.Fatalf("expected on_change to fire once for %s, got %v", task.ID, changed)
	}
}

func TestWorkspaceRepo_OnlyOneActivePerTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Projects.Create(ctx, "demo", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := s.Tasks.Create(ctx, NewTask{ProjectID: p.ID, Title: "t", TaskType: TaskTypeAuto, Priority: PriorityMedium})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	repo, err := s.Repos.Create(ctx, "/repo/one", "one", "One", "main", "{}")
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}

	links := []WorkspaceRepoLink{{RepoID: repo.ID, TargetBranch: "main", WorktreePath: "/ws/one"}}

	if _, err := s.Workspaces.Provision(ctx, p.ID, task.ID, "/ws", "kagan/fix", links); err != nil {
		t.Fatalf("provision first workspace: %v", err)
	}

	if _, err := s.Workspaces.Provision(ctx, p.ID, task.ID, "/ws2", "kagan/fix-2", links); err == nil {
		t.Error("expected second ACTIVE workspace for the same task to fail the unique partial index")
	}
}

func TestExecutionRepo_TurnLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Projects.Create(ctx, "demo", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := s.Tasks.Create(ctx, NewTask{ProjectID: p.ID, Title: "t", TaskType: TaskTypeAuto, Priority: PriorityMedium})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	repo, err := s.Repos.Create(ctx, "/repo/one", "one", "One", "main", "{}")
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	links := []WorkspaceRepoLink{{RepoID: repo.ID, TargetBranch: "main", WorktreePath: "/ws/one"}}
	ws, err := s.Workspaces.Provision(ctx, p.ID, task.ID, "/ws", "kagan/fix", links)
	if err != nil {
		t.Fatalf("provision workspace: %v", err)
	}

	sess, err := s.Sessions.Open(ctx, ws.ID, SessionACP, nil)
	if err != nil {
		t.Fatalf("open session: %v", err)
	}

	ep, err := s.Executions.Start(ctx, sess.ID, "implement", "{}", "{}")
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	prompt := "implement the fix"
	turn, err := s.Executions.StartTurn(ctx, ep.ID, &prompt)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}

	unseen, err := s.Executions.UnseenTurns(ctx, ep.ID)
	if err != nil {
		t.Fatalf("unseen turns: %v", err)
	}
	if len(unseen) != 1 || unseen[0].ID != turn.ID {
		t.Fatalf("expected exactly the new turn to be unseen, got %d", len(unseen))
	}

	unseen, err = s.Executions.UnseenTurns(ctx, ep.ID)
	if err != nil {
		t.Fatalf("unseen turns second call: %v", err)
	}
	if len(unseen) != 0 {
		t.Errorf("expected turn to be marked seen after first drain, got %d still unseen", len(unseen))
	}

	if err := s.Executions.Complete(ctx, ep.ID, ExecutionCompleted); err != nil {
		t.Fatalf("complete execution: %v", err)
	}
	got, err := s.Executions.Get(ctx, ep.ID)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if got.Status != ExecutionCompleted || got.CompletedAt == nil {
		t.Errorf("expected COMPLETED with completed_at set, got status=%s completedAt=%v", got.Status, got.CompletedAt)
	}
}

func TestAuditRepo_AppendAndSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Audit.Append(ctx, AuditRecord{
		ActorType:   "CLI",
		ActorID:     "user-1",
		Capability:  "operator",
		CommandName: "task_create",
		PayloadJSON: "{}",
		ResultJSON:  "{}",
		Success:     true,
	}); err != nil {
		t.Fatalf("append audit event: %v", err)
	}

	events, err := s.Audit.Since(ctx, "", 10)
	if err != nil {
		t.Fatalf("audit since: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(events))
	}
	if events[0].CommandName != "task_create" {
		t.Errorf("expected command_name 'task_create', got %q", events[0].CommandName)
	}
}
