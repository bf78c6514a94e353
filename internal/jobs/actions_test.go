package jobs

import (
	"context"
	"testing"

	"kagan/internal/automation"
	"kagan/internal/config"
	"kagan/internal/db"
	"kagan/internal/runtimeview"
	"kagan/internal/store"
)

func TestSubmitJob_StartAgentOnNonAutoTaskFails(t *testing.T) {
	svc, s := newTestService(t)
	ctx := context.Background()

	p, err := s.Projects.Create(ctx, "demo", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := s.Tasks.Create(ctx, store.NewTask{
		ProjectID: p.ID, Title: "manual", Description: "d",
		TaskType: store.TaskTypePair, Priority: store.PriorityMedium,
		AcceptanceCriteria: "[]",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	job, err := svc.SubmitJob(ctx, task.ID, ActionStartAgent, nil)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	final := waitForTerminal(t, svc, job.ID)
	if final.Status != store.JobFailed {
		t.Fatalf("expected start_agent on a non-AUTO task to fail, got status=%s", final.Status)
	}
	if final.Code == nil || *final.Code != "TASK_TYPE_MISMATCH" {
		t.Fatalf("expected job code TASK_TYPE_MISMATCH, got %v", final.Code)
	}
}

func TestSubmitJob_MergeTaskWhileRunningFailsWithLeaseCode(t *testing.T) {
	tdb, err := db.NewTest(t)
	if err != nil {
		t.Fatalf("create test db: %v", err)
	}
	s := store.New(tdb)
	rt := runtimeview.NewRegistry()
	cfg := config.Config{
		General: config.GeneralConfig{MaxConcurrentAgents: 1},
		Session: config.SessionConfig{DefaultBackend: BackendVSCode, StateDir: t.TempDir()},
	}
	engine := automation.NewEngine(s, rt, nil, nil, cfg)
	svc := NewService(s, engine, nil, nil, cfg)
	task := newTestTask(t, s)

	if engine.RuntimeView(task.ID).IsRunning {
		t.Fatal("expected a freshly created task to have no runtime view yet")
	}
	rt.MarkStarted(task.ID, "exec-1", nil)
	if !engine.RuntimeView(task.ID).IsRunning {
		t.Fatal("expected RuntimeView to reflect MarkStarted")
	}

	job, err := svc.SubmitJob(context.Background(), task.ID, ActionMergeTask, nil)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	final := waitForTerminal(t, svc, job.ID)
	if final.Status != store.JobFailed {
		t.Fatalf("expected merge_task on a running task to fail, got status=%s", final.Status)
	}
	if final.Code == nil || *final.Code != "REVIEW_BLOCKED_LEASE" {
		t.Fatalf("expected job code REVIEW_BLOCKED_LEASE, got %v", final.Code)
	}
}

func TestSubmitJob_RunJanitorOnEmptyProjectSucceeds(t *testing.T) {
	svc, s := newTestService(t)
	task := newTestTask(t, s)

	job, err := svc.SubmitJob(context.Background(), task.ID, ActionRunJanitor, map[string]any{"gc_branches": true})
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	final := waitForTerminal(t, svc, job.ID)
	if final.Status != store.JobSucceeded {
		t.Fatalf("expected run_janitor on a repo-less project to succeed, got status=%s message=%v", final.Status, final.Message)
	}
}

func TestBaseBranchOf_DefaultsToMain(t *testing.T) {
	task := &store.Task{}
	if got := baseBranchOf(task); got != "main" {
		t.Fatalf("expected default base branch main, got %s", got)
	}
	custom := "develop"
	task.BaseBranch = &custom
	if got := baseBranchOf(task); got != "develop" {
		t.Fatalf("expected task override, got %s", got)
	}
}

func TestBoolArg_FallsBackToDefaultWhenMissingOrWrongType(t *testing.T) {
	if !boolArg(nil, "x", true) {
		t.Fatal("expected default true for nil args")
	}
	if boolArg(map[string]any{"x": "not-a-bool"}, "x", false) {
		t.Fatal("expected default false when the stored value isn't a bool")
	}
	if !boolArg(map[string]any{"x": true}, "x", false) {
		t.Fatal("expected the stored true value to be returned")
	}
}
