package api

import (
	"context"
	"strings"
	"testing"

	"kagan/internal/store"
)

func newTestTaskInReview(t *testing.T, a *API, st *store.Store) *store.Task {
	t.Helper()
	ctx := context.Background()
	p := newTestProject(t, st)
	task, err := st.Tasks.Create(ctx, store.NewTask{
		ProjectID: p.ID, Title: "t", Description: "d",
		TaskType: store.TaskTypeAuto, Priority: store.PriorityMedium,
		AcceptanceCriteria: "[]",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := st.Tasks.SetStatus(ctx, task.ID, store.TaskReview); err != nil {
		t.Fatalf("set status review: %v", err)
	}
	task, err = st.Tasks.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	return task
}

func TestReviewRejectMovesTaskToInProgressAndAppendsScratchpad(t *testing.T) {
	a, st := newTestAPI(t)
	task := newTestTaskInReview(t, a, st)
	ctx := context.Background()

	if _, err := st.Scratches.Upsert(ctx, task.ID, "note", "agent ran tests, looks good"); err != nil {
		t.Fatalf("seed scratchpad: %v", err)
	}

	result, ierr := a.reviewReject(ctx, mustJSON(t, map[string]any{
		"task_id": task.ID,
		"reason":  "missing edge case for empty input",
	}))
	if ierr != nil {
		t.Fatalf("review.reject: %v", ierr)
	}
	view := result.(taskView)
	if view.Status != string(store.TaskInProgress) {
		t.Errorf("expected task to move to IN_PROGRESS, got %q", view.Status)
	}

	scratch, err := st.Scratches.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("get scratchpad: %v", err)
	}
	if !strings.Contains(scratch.Payload, "agent ran tests, looks good") {
		t.Error("expected the prior scratchpad content to survive the rejection append")
	}
	if !strings.Contains(scratch.Payload, "--- REVIEW ---") {
		t.Error("expected a --- REVIEW --- marker in the scratchpad")
	}
	if !strings.Contains(scratch.Payload, "missing edge case for empty input") {
		t.Error("expected the rejection reason appended to the scratchpad")
	}
}

func TestReviewApproveSetsOutcome(t *testing.T) {
	a, st := newTestAPI(t)
	task := newTestTaskInReview(t, a, st)
	ctx := context.Background()

	result, ierr := a.reviewApprove(ctx, mustJSON(t, map[string]any{
		"task_id": task.ID,
		"reason":  "looks correct",
	}))
	if ierr != nil {
		t.Fatalf("review.approve: %v", ierr)
	}
	view := result.(taskView)
	if view.ChecksPassed == nil || !*view.ChecksPassed {
		t.Error("expected checks_passed=true after an approval")
	}
}
