package jobs

import (
	"context"
	"runtime"
	"testing"
)

func TestResolveBackend_TaskOverrideWinsOverDefault(t *testing.T) {
	svc, s := newTestService(t)
	task := newTestTask(t, s)
	override := BackendCursor
	task.TerminalBackend = &override

	backend, err := svc.sessions.resolveBackend(task)
	if err != nil {
		t.Fatalf("resolveBackend: %v", err)
	}
	if backend != BackendCursor {
		t.Fatalf("expected task override to win, got %s", backend)
	}
}

func TestResolveBackend_FallsBackToConfigDefault(t *testing.T) {
	svc, s := newTestService(t)
	task := newTestTask(t, s)

	backend, err := svc.sessions.resolveBackend(task)
	if err != nil {
		t.Fatalf("resolveBackend: %v", err)
	}
	if backend != svc.cfg.Session.DefaultBackend {
		t.Fatalf("expected config default %s, got %s", svc.cfg.Session.DefaultBackend, backend)
	}
}

func TestResolveBackend_TmuxUnavailableOnWindows(t *testing.T) {
	if runtime.GOOS != "windows" {
		t.Skip("tmux-on-windows fallback only applies on windows")
	}
	svc, s := newTestService(t)
	task := newTestTask(t, s)
	tmux := BackendTmux
	task.TerminalBackend = &tmux

	backend, err := svc.sessions.resolveBackend(task)
	if err != nil {
		t.Fatalf("resolveBackend: %v", err)
	}
	if backend == BackendTmux {
		t.Fatal("expected tmux to be unavailable on windows")
	}
}

func TestResolveBackend_UnknownBackendFails(t *testing.T) {
	svc, s := newTestService(t)
	task := newTestTask(t, s)
	bogus := "telepathy"
	task.TerminalBackend = &bogus

	if _, err := svc.sessions.resolveBackend(task); err == nil {
		t.Fatal("expected an unknown backend to fail resolution")
	}
}

func TestCreateSession_FailsWhenBackendBinaryMissing(t *testing.T) {
	svc, s := newTestService(t)
	task := newTestTask(t, s)
	worktree := t.TempDir()

	// The test service defaults to the vscode backend; its launcher
	// binary ("code") is not expected to be on PATH in a CI sandbox, so
	// this exercises create_session's error path deterministically
	// without shelling out to a real editor.
	if _, err := svc.sessions.CreateSession(context.Background(), task, worktree, false); err == nil {
		t.Fatal("expected create_session to fail when the backend binary is unavailable")
	}
}

func TestSessionExists_FalseWhenNeverCreated(t *testing.T) {
	svc, s := newTestService(t)
	task := newTestTask(t, s)

	if svc.sessions.SessionExists(context.Background(), SessionName(task.ID)) {
		t.Fatal("expected session_exists to report false for a session never created")
	}
}

func TestAttachSession_UnknownNameFails(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.sessions.AttachSession(context.Background(), "kagan-does-not-exist"); err == nil {
		t.Fatal("expected attach_session on an unknown session to fail")
	}
}

func TestKillSession_UnknownNameFails(t *testing.T) {
	svc, _ := newTestService(t)

	if err := svc.sessions.KillSession(context.Background(), "kagan-does-not-exist"); err == nil {
		t.Fatal("expected kill_session on an unknown session to fail")
	}
}

func TestSessionName_Conventions(t *testing.T) {
	if got := SessionName("abc"); got != "kagan-abc" {
		t.Fatalf("expected kagan-abc, got %s", got)
	}
	if got := ResolutionSessionName("abc"); got != "kagan-resolve-abc" {
		t.Fatalf("expected kagan-resolve-abc, got %s", got)
	}
}
