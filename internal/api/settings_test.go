package api

import (
	"context"
	"testing"
)

func TestSettingsUpdatePropagatesToLiveEngine(t *testing.T) {
	a, _ := newTestAPI(t)
	ctx := context.Background()

	result, ierr := a.settingsUpdate(ctx, mustJSON(t, map[string]any{
		"auto_review":           false,
		"max_concurrent_agents": 7,
	}))
	if ierr != nil {
		t.Fatalf("settings.update: %v", ierr)
	}
	view := result.(settingsView)
	if view.AutoReview {
		t.Error("expected auto_review to be disabled")
	}
	if view.MaxConcurrentAgents != 7 {
		t.Errorf("expected max_concurrent_agents=7, got %d", view.MaxConcurrentAgents)
	}

	if a.Config.General.MaxConcurrentAgents != 7 {
		t.Error("expected API.Config to reflect the update")
	}
}
