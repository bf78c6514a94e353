package automation

import (
	"context"
	"testing"

	"kagan/internal/config"
	"kagan/internal/db"
	"kagan/internal/runtimeview"
	"kagan/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	tdb, err := db.NewTest(t)
	if err != nil {
		t.Fatalf("create test db: %v", err)
	}
	s := store.New(tdb)
	rt := runtimeview.NewRegistry()
	cfg := config.Config{General: config.GeneralConfig{MaxConcurrentAgents: 1}}
	e := NewEngine(s, rt, nil, nil, cfg)
	return e, s
}

func newAutoTask(t *testing.T, s *store.Store, title, description string) *store.Task {
	t.Helper()
	ctx := context.Background()
	p, err := s.Projects.Create(ctx, "demo", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := s.Tasks.Create(ctx, store.NewTask{
		ProjectID: p.ID, Title: title, Description: description,
		TaskType: store.TaskTypeAuto, Priority: store.PriorityMedium,
		AcceptanceCriteria: "[]",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// TestApplyStatusChangePolicy_StopsRunningAgentOnLeaveInProgress verifies
// §4.2's status-change policy: a task leaving IN_PROGRESS for anything
// but REVIEW has its running agent stopped and removed from e.running.
func TestApplyStatusChangePolicy_StopsRunningAgentOnLeaveInProgress(t *testing.T) {
	e, _ := newTestEngine(t)

	e.mu.Lock()
	e.running["t1"] = &runningTask{hints: []string{"foo.go"}}
	e.mu.Unlock()

	e.applyStatusChangePolicy(context.Background(), "t1", store.TaskInProgress, store.TaskBacklog)

	e.mu.Lock()
	_, stillRunning := e.running["t1"]
	e.mu.Unlock()
	if stillRunning {
		t.Fatal("expected agent to be stopped and removed from running set")
	}
}

// TestApplyStatusChangePolicy_KeepsRunningOnMoveToReview ensures a task
// moving IN_PROGRESS -> REVIEW (the normal completion path) does not get
// its agent killed by the status-change policy itself.
func TestApplyStatusChangePolicy_KeepsRunningOnMoveToReview(t *testing.T) {
	e, _ := newTestEngine(t)

	e.mu.Lock()
	e.running["t1"] = &runningTask{hints: []string{"foo.go"}}
	e.mu.Unlock()

	e.applyStatusChangePolicy(context.Background(), "t1", store.TaskInProgress, store.TaskReview)

	e.mu.Lock()
	_, stillRunning := e.running["t1"]
	e.mu.Unlock()
	if !stillRunning {
		t.Fatal("expected agent to remain running across IN_PROGRESS -> REVIEW")
	}
}

// TestAdmissionSweep_BlocksOnConflictingHints verifies a pending task
// whose derived hints overlap a running task's hints is blocked rather
// than spawned, and recorded with its blockers and overlap hints.
func TestAdmissionSweep_BlocksOnConflictingHints(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	task := newAutoTask(t, s, "Update tests", "touches tests/loader_test.go")

	e.mu.Lock()
	e.running["running-task"] = &runningTask{hints: []string{"tests/**"}}
	e.mu.Unlock()

	e.addPending(task.ID)
	e.admissionSweep(ctx)

	e.mu.Lock()
	entry, blocked := e.blocked[task.ID]
	_, nowRunning := e.running[task.ID]
	e.mu.Unlock()

	if !blocked {
		t.Fatal("expected task to be blocked by overlapping hints")
	}
	if nowRunning {
		t.Fatal("blocked task must not be spawned")
	}
	if len(entry.blockedBy) != 1 || entry.blockedBy[0] != "running-task" {
		t.Errorf("expected blockedBy [running-task], got %v", entry.blockedBy)
	}

	reloaded, err := s.Tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if reloaded.Status != store.TaskBacklog {
		t.Errorf("expected blocked task to stay/return to BACKLOG, got %s", reloaded.Status)
	}
}

// TestBlockedUnblockSweep_ReleasesOnceBlockerEnds exercises the reverse
// direction: while the blocker task is IN_PROGRESS the blocked task stays
// blocked; once the blocker moves to DONE and is no longer running in
// memory, the swept task moves back onto the pending queue.
func TestBlockedUnblockSweep_ReleasesOnceBlockerEnds(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	blocker := newAutoTask(t, s, "Blocker task", "")
	if err := s.Tasks.SetStatus(ctx, blocker.ID, store.TaskInProgress); err != nil {
		t.Fatalf("set blocker status: %v", err)
	}

	e.mu.Lock()
	e.blocked["blocked-task"] = blockedEntry{
		reason: "overlap", blockedBy: []string{blocker.ID}, overlapHints: []string{"tests/**"},
	}
	e.mu.Unlock()

	e.blockedUnblockSweep(ctx)
	e.mu.Lock()
	_, stillBlocked := e.blocked["blocked-task"]
	e.mu.Unlock()
	if !stillBlocked {
		t.Fatal("expected task to remain blocked while its blocker is still IN_PROGRESS")
	}

	if err := s.Tasks.SetStatus(ctx, blocker.ID, store.TaskDone); err != nil {
		t.Fatalf("complete blocker: %v", err)
	}

	e.blockedUnblockSweep(ctx)
	e.mu.Lock()
	_, stillBlockedAfter := e.blocked["blocked-task"]
	pending := append([]string(nil), e.pending...)
	e.mu.Unlock()
	if stillBlockedAfter {
		t.Fatal("expected task to be released once its blocker reached DONE")
	}
	if len(pending) != 1 || pending[0] != "blocked-task" {
		t.Errorf("expected released task back on pending queue, got %v", pending)
	}
}

// TestStopTask_DequeuesPendingAndResetsToBacklog verifies stop_task on a
// task that is merely pending (never spawned) removes it from the queue
// and leaves it in BACKLOG.
func TestStopTask_DequeuesPendingAndResetsToBacklog(t *testing.T) {
	e, s := newTestEngine(t)
	ctx := context.Background()

	task := newAutoTask(t, s, "Queued task", "")
	e.addPending(task.ID)

	go e.Run(ctx)
	defer e.Stop()

	if err := e.StopTask(ctx, task.ID); err != nil {
		t.Fatalf("StopTask: %v", err)
	}

	e.mu.Lock()
	pendingCount := len(e.pending)
	e.mu.Unlock()
	if pendingCount != 0 {
		t.Errorf("expected pending queue to be empty after stop, got %d entries", pendingCount)
	}

	reloaded, err := s.Tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if reloaded.Status != store.TaskBacklog {
		t.Errorf("expected task back in BACKLOG after stopping a pending task, got %s", reloaded.Status)
	}
}

// TestStopTask_StopsRunningAgent verifies stop_task on an in-flight task
// removes it from the running set without requiring the task to already
// be stored as anything but IN_PROGRESS.
func TestStopTask_StopsRunningAgent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	e.mu.Lock()
	e.running["running-task"] = &runningTask{hints: []string{"a.go"}}
	e.mu.Unlock()

	go e.Run(ctx)
	defer e.Stop()

	if err := e.StopTask(ctx, "running-task"); err != nil {
		t.Fatalf("StopTask: %v", err)
	}

	e.mu.Lock()
	_, stillRunning := e.running["running-task"]
	e.mu.Unlock()
	if stillRunning {
		t.Fatal("expected running task to be removed after StopTask")
	}
}
