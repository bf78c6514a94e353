package jobs

import (
	"context"
	"testing"
	"time"

	"kagan/internal/automation"
	"kagan/internal/config"
	"kagan/internal/db"
	"kagan/internal/runtimeview"
	"kagan/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
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
	return svc, s
}

func newTestTask(t *testing.T, s *store.Store) *store.Task {
	t.Helper()
	ctx := context.Background()
	p, err := s.Projects.Create(ctx, "demo", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	task, err := s.Tasks.Create(ctx, store.NewTask{
		ProjectID: p.ID, Title: "t", Description: "d",
		TaskType: store.TaskTypeAuto, Priority: store.PriorityMedium,
		AcceptanceCriteria: "[]",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func waitForTerminal(t *testing.T, svc *Service, jobID string) *store.Job {
	t.Helper()
	job, timedOut, _, err := svc.WaitJob(context.Background(), jobID, 5)
	if err != nil {
		t.Fatalf("wait_job: %v", err)
	}
	if timedOut {
		t.Fatalf("wait_job: timed out waiting for job %s", jobID)
	}
	return job
}

func TestSubmitJob_UnsupportedActionNeverCreatesRow(t *testing.T) {
	svc, _ := newTestService(t)

	job, err := svc.SubmitJob(context.Background(), "nonexistent-task", "launch_nukes", nil)
	if job != nil {
		t.Fatalf("expected no job row, got %+v", job)
	}
	uerr, ok := err.(*UnsupportedActionError)
	if !ok {
		t.Fatalf("expected *UnsupportedActionError, got %T (%v)", err, err)
	}
	if uerr.NextTool != "jobs.list_actions" {
		t.Fatalf("expected recovery next_tool jobs.list_actions, got %q", uerr.NextTool)
	}
}

func TestSubmitJob_StopAgentOnIdleTaskSucceeds(t *testing.T) {
	svc, s := newTestService(t)
	task := newTestTask(t, s)

	job, err := svc.SubmitJob(context.Background(), task.ID, ActionStopAgent, nil)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	if job.Status != store.JobQueued {
		t.Fatalf("expected newly submitted job to be queued, got %s", job.Status)
	}

	final := waitForTerminal(t, svc, job.ID)
	if final.Status != store.JobSucceeded {
		t.Fatalf("expected stop_agent on idle task to succeed, got status=%s message=%v", final.Status, final.Message)
	}
}

func TestWaitJob_ZeroTimeoutPollsOnceWithoutBlocking(t *testing.T) {
	svc, s := newTestService(t)
	task := newTestTask(t, s)

	job, err := svc.SubmitJob(context.Background(), task.ID, ActionStopAgent, nil)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}

	start := time.Now()
	_, _, waited, err := svc.WaitJob(context.Background(), job.ID, 0)
	if err != nil {
		t.Fatalf("wait_job: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("expected timeout_seconds=0 to return immediately, took %s", time.Since(start))
	}
	if waited < 0 {
		t.Fatalf("expected non-negative waited_seconds, got %f", waited)
	}
}

func TestListJobEvents_Pagination(t *testing.T) {
	svc, s := newTestService(t)
	task := newTestTask(t, s)

	job, err := svc.SubmitJob(context.Background(), task.ID, ActionStopAgent, nil)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	waitForTerminal(t, svc, job.ID)

	evts, total, hasMore, nextOffset, err := svc.ListJobEvents(context.Background(), job.ID, 1, 0)
	if err != nil {
		t.Fatalf("list_job_events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected limit=1 to return exactly one event, got %d", len(evts))
	}
	// queued + running + succeeded = at least 3 events total.
	if total < 3 {
		t.Fatalf("expected at least 3 recorded events, got %d", total)
	}
	if !hasMore {
		t.Fatal("expected has_more=true with more events than the page limit")
	}
	if nextOffset != 1 {
		t.Fatalf("expected next_offset=1, got %d", nextOffset)
	}
}

func TestCancelJob_RejectsAlreadyTerminalJob(t *testing.T) {
	svc, s := newTestService(t)
	task := newTestTask(t, s)

	job, err := svc.SubmitJob(context.Background(), task.ID, ActionStopAgent, nil)
	if err != nil {
		t.Fatalf("submit_job: %v", err)
	}
	waitForTerminal(t, svc, job.ID)

	if err := svc.CancelJob(context.Background(), job.ID); err == nil {
		t.Fatal("expected cancel_job on a terminal job to fail")
	}
}

func TestCancelJob_UnknownJobFails(t *testing.T) {
	svc, _ := newTestService(t)
	if err := svc.CancelJob(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected cancel_job on an unknown job id to fail")
	}
}

func TestListActions_IsTheClosedSet(t *testing.T) {
	got := ListActions()
	want := map[string]bool{
		ActionStartAgent: true, ActionStopAgent: true, ActionRebaseTask: true,
		ActionMergeTask: true, ActionRunJanitor: true,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d actions, got %d: %v", len(want), len(got), got)
	}
	for _, a := range got {
		if !want[a] {
			t.Fatalf("unexpected action in closed set: %s", a)
		}
	}
}
