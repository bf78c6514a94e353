package api

import (
	"context"
	"testing"
	"time"
)

func TestTasksCreateAndGet(t *testing.T) {
	a, st := newTestAPI(t)
	p := newTestProject(t, st)
	ctx := context.Background()

	created, ierr := a.tasksCreate(ctx, mustJSON(t, map[string]any{
		"project_id":          p.ID,
		"title":               "fix login bug",
		"description":         "src/login.py raises on empty password",
		"acceptance_criteria": []string{"login rejects empty password with a 400"},
	}))
	if ierr != nil {
		t.Fatalf("tasks.create: %v", ierr)
	}
	view := created.(taskView)
	if view.ID == "" {
		t.Fatal("expected a task id")
	}
	if view.Priority != "MED" {
		t.Errorf("expected default priority MED, got %q", view.Priority)
	}
	if len(view.AcceptanceCriteria) != 1 {
		t.Errorf("expected one acceptance criterion round-tripped, got %v", view.AcceptanceCriteria)
	}

	got, ierr := a.tasksGet(ctx, mustJSON(t, map[string]any{"task_id": view.ID}))
	if ierr != nil {
		t.Fatalf("tasks.get: %v", ierr)
	}
	if got.(taskView).Title != "fix login bug" {
		t.Errorf("expected title round trip, got %q", got.(taskView).Title)
	}
}

func TestTasksCreateRequiresProjectAndTitle(t *testing.T) {
	a, _ := newTestAPI(t)
	_, ierr := a.tasksCreate(context.Background(), mustJSON(t, map[string]any{"title": "no project"}))
	if ierr == nil {
		t.Fatal("expected INVALID_PARAMS for a missing project_id")
	}
}

func TestTasksUpdatePreservesUntouchedFields(t *testing.T) {
	a, st := newTestAPI(t)
	p := newTestProject(t, st)
	ctx := context.Background()

	created, ierr := a.tasksCreate(ctx, mustJSON(t, map[string]any{
		"project_id": p.ID, "title": "t1", "description": "d1",
	}))
	if ierr != nil {
		t.Fatalf("tasks.create: %v", ierr)
	}
	id := created.(taskView).ID

	updated, ierr := a.tasksUpdate(ctx, mustJSON(t, map[string]any{
		"task_id": id, "description": "d2",
	}))
	if ierr != nil {
		t.Fatalf("tasks.update: %v", ierr)
	}
	v := updated.(taskView)
	if v.Title != "t1" {
		t.Errorf("expected title to survive an update that doesn't touch it, got %q", v.Title)
	}
	if v.Description != "d2" {
		t.Errorf("expected description to change, got %q", v.Description)
	}
}

func TestTasksWaitBoundedByServerMaxWhenTimeoutIsZero(t *testing.T) {
	a, st := newTestAPI(t)
	p := newTestProject(t, st)

	start := time.Now()
	result, ierr := a.tasksWait(context.Background(), mustJSON(t, map[string]any{
		"project_id":      p.ID,
		"timeout_seconds": 0,
	}))
	if ierr != nil {
		t.Fatalf("tasks.wait: %v", ierr)
	}
	elapsed := time.Since(start)

	m := result.(map[string]any)
	if !m["timed_out"].(bool) {
		t.Fatal("expected timed_out=true when nothing changes")
	}
	maxWait := time.Duration(a.Config.General.ServerWaitMaxSeconds) * time.Second
	if elapsed > maxWait+500*time.Millisecond {
		t.Errorf("expected tasks.wait to return within the server max wait, took %v", elapsed)
	}
}

func TestTasksWaitReturnsImmediatelyOnExistingChange(t *testing.T) {
	a, st := newTestAPI(t)
	p := newTestProject(t, st)
	ctx := context.Background()

	created, ierr := a.tasksCreate(ctx, mustJSON(t, map[string]any{
		"project_id": p.ID, "title": "t1",
	}))
	if ierr != nil {
		t.Fatalf("tasks.create: %v", ierr)
	}
	id := created.(taskView).ID

	result, ierr := a.tasksWait(ctx, mustJSON(t, map[string]any{
		"project_id":      p.ID,
		"from_updated_at": "1970-01-01T00:00:00Z",
		"timeout_seconds": 5,
	}))
	if ierr != nil {
		t.Fatalf("tasks.wait: %v", ierr)
	}
	m := result.(map[string]any)
	if m["timed_out"].(bool) {
		t.Fatal("expected an immediate, non-timed-out result when a task already changed after the cursor")
	}
	views := m["tasks"].([]taskView)
	if len(views) != 1 || views[0].ID != id {
		t.Fatalf("expected the created task back, got %+v", views)
	}
}
