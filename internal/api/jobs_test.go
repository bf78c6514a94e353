package api

import (
	"context"
	"testing"

	"kagan/internal/ipc"
	"kagan/internal/store"
)

func TestJobsSubmitUnsupportedActionCarriesRecoveryHint(t *testing.T) {
	a, st := newTestAPI(t)
	ctx := context.Background()
	p := newTestProject(t, st)
	task, err := st.Tasks.Create(ctx, store.NewTask{
		ProjectID: p.ID, Title: "t", TaskType: store.TaskTypeAuto,
		Priority: store.PriorityMedium, AcceptanceCriteria: "[]",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	result, ierr := a.jobsSubmit(ctx, mustJSON(t, map[string]any{
		"task_id": task.ID,
		"action":  "reticulate_splines",
	}))
	if ierr == nil || ierr.Code != ipc.ErrUnsupportedAction {
		t.Fatalf("expected UNSUPPORTED_ACTION, got %+v", ierr)
	}
	m := result.(map[string]any)
	if m["next_tool"] != "jobs.list_actions" {
		t.Errorf("expected next_tool to point at jobs.list_actions, got %v", m["next_tool"])
	}
}

func TestJobsSubmitStartAgentQueuesAndCompletesViaWait(t *testing.T) {
	a, st := newTestAPI(t)
	ctx := context.Background()
	p := newTestProject(t, st)
	task, err := st.Tasks.Create(ctx, store.NewTask{
		ProjectID: p.ID, Title: "t", TaskType: store.TaskTypeAuto,
		Priority: store.PriorityMedium, AcceptanceCriteria: "[]",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	jobAny, ierr := a.jobsSubmit(ctx, mustJSON(t, map[string]any{
		"task_id": task.ID,
		"action":  "start_agent",
	}))
	if ierr != nil {
		t.Fatalf("jobs.submit_job: %v", ierr)
	}
	jobID := jobAny.(*store.Job).ID

	result, ierr := a.jobsWait(ctx, mustJSON(t, map[string]any{
		"job_id":          jobID,
		"timeout_seconds": 5,
	}))
	if ierr != nil {
		t.Fatalf("jobs.wait_job: %v", ierr)
	}
	m := result.(map[string]any)
	if m["timed_out"].(bool) {
		t.Fatal("expected start_agent to complete well within the wait timeout")
	}
}

func TestJobsListActions(t *testing.T) {
	a, _ := newTestAPI(t)
	result, ierr := a.jobsListActions(context.Background(), nil)
	if ierr != nil {
		t.Fatalf("jobs.list_actions: %v", ierr)
	}
	actions := result.(map[string]any)["actions"].([]string)
	if len(actions) == 0 {
		t.Fatal("expected a non-empty action set")
	}
}
