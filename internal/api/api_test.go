package api

import (
	"context"
	"encoding/json"
	"testing"

	"kagan/internal/automation"
	"kagan/internal/config"
	"kagan/internal/db"
	"kagan/internal/jobs"
	"kagan/internal/runtimeview"
	"kagan/internal/store"
	"kagan/pkg/gitwt"
)

func newTestAPI(t *testing.T) (*API, *store.Store) {
	t.Helper()
	tdb, err := db.NewTest(t)
	if err != nil {
		t.Fatalf("create test db: %v", err)
	}
	st := store.New(tdb)
	rt := runtimeview.NewRegistry()
	git := gitwt.NewService(t.TempDir())
	cfg := config.Config{
		General: config.GeneralConfig{
			MaxConcurrentAgents:  1,
			ServerWaitMaxSeconds: 1,
		},
		Session: config.SessionConfig{DefaultBackend: jobs.BackendVSCode, StateDir: t.TempDir()},
	}
	engine := automation.NewEngine(st, rt, git, nil, cfg)
	jobSvc := jobs.NewService(st, engine, git, nil, cfg)
	a := New(st, engine, jobSvc, git, rt, cfg)
	return a, st
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return raw
}

func newTestProject(t *testing.T, st *store.Store) *store.Project {
	t.Helper()
	p, err := st.Projects.Create(context.Background(), "demo", "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}
