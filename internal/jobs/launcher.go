package jobs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"kagan/internal/config"
	"kagan/internal/store"
	"kagan/pkg/gitwt"
	"kagan/pkg/harness/session"
)

const (
	BackendTmux   = "tmux"
	BackendVSCode = "vscode"
	BackendCursor = "cursor"
)

// Launcher opens a PAIR session against a worktree using one concrete
// terminal/editor backend (§4.4).
type Launcher interface {
	Name() string
	// Launch starts (or locates, for reuse_if_exists) the backend session
	// and returns the command line the UI should run to attach.
	Launch(ctx context.Context, sessionName, worktreePath string) (command string, pid int, err error)
	HasSession(ctx context.Context, sessionName string) bool
	Kill(ctx context.Context, sessionName string) error
}

// tmuxLauncher manages a real detached tmux session the daemon itself
// starts and can later kill; `tmux has-session` is the liveness check
// since the multiplexer's own server process outlives ours.
type tmuxLauncher struct{}

func (t tmuxLauncher) Name() string { return BackendTmux }

func (t tmuxLauncher) Launch(ctx context.Context, sessionName, worktreePath string) (string, int, error) {
	if t.HasSession(ctx, sessionName) {
		return "tmux attach -t " + sessionName, 0, nil
	}
	cmd := exec.CommandContext(ctx, "tmux", "new-session", "-d", "-s", sessionName, "-c", worktreePath)
	if err := cmd.Run(); err != nil {
		return "", 0, fmt.Errorf("start tmux session %s: %w", sessionName, err)
	}
	return "tmux attach -t " + sessionName, 0, nil
}

func (t tmuxLauncher) HasSession(ctx context.Context, sessionName string) bool {
	cmd := exec.CommandContext(ctx, "tmux", "has-session", "-t", sessionName)
	return cmd.Run() == nil
}

func (t tmuxLauncher) Kill(ctx context.Context, sessionName string) error {
	cmd := exec.CommandContext(ctx, "tmux", "kill-session", "-t", sessionName)
	if err := cmd.Run(); err != nil && t.HasSession(ctx, sessionName) {
		return fmt.Errorf("kill tmux session %s: %w", sessionName, err)
	}
	return nil
}

// editorLauncher covers vscode/cursor: the UI execs the editor binary
// itself against the worktree, so the daemon never owns a long-lived
// process for these backends — HasSession/Kill are no-ops, per §4.4's
// "UI suspends itself and execs the backend".
type editorLauncher struct {
	binary string
	name   string
}

func (l editorLauncher) Name() string { return l.name }

func (l editorLauncher) Launch(ctx context.Context, sessionName, worktreePath string) (string, int, error) {
	if _, err := exec.LookPath(l.binary); err != nil {
		return "", 0, fmt.Errorf("%w: %s not on PATH", ErrBackendUnavailable, l.binary)
	}
	return fmt.Sprintf("%s %s", l.binary, worktreePath), 0, nil
}

func (editorLauncher) HasSession(ctx context.Context, sessionName string) bool { return false }
func (editorLauncher) Kill(ctx context.Context, sessionName string) error      { return nil }

func defaultLaunchers() map[string]Launcher {
	return map[string]Launcher{
		BackendTmux:   tmuxLauncher{},
		BackendVSCode: editorLauncher{binary: "code", name: BackendVSCode},
		BackendCursor: editorLauncher{binary: "cursor", name: BackendCursor},
	}
}

// Sessions implements §4.4's PAIR-session surface: create_session,
// session_exists, attach_session, kill_session, plus the resolution-
// session variant used for manual merge-conflict resolution.
type Sessions struct {
	store     *store.Store
	git       *gitwt.Service
	cfg       config.Config
	manager   *session.Manager
	launchers map[string]Launcher
}

func newSessions(st *store.Store, git *gitwt.Service, cfg config.Config) *Sessions {
	return &Sessions{
		store: st, git: git, cfg: cfg,
		manager:   session.NewManager(cfg.Session.StateDir),
		launchers: defaultLaunchers(),
	}
}

// SessionName is the `kagan-<task_id>` naming convention (§4.4).
func SessionName(taskID string) string {
	return "kagan-" + taskID
}

// ResolutionSessionName names a manual-conflict-resolution session
// against the merge worktree, distinct from the task's own PAIR session.
func ResolutionSessionName(taskID string) string {
	return "kagan-resolve-" + taskID
}

// CreateResult is what create_session returns to the UI.
type CreateResult struct {
	SessionName string
	Backend     string
	Command     string
	Reused      bool
}

func (s *Sessions) resolveBackend(task *store.Task) (string, error) {
	backend := s.cfg.Session.DefaultBackend
	if task.TerminalBackend != nil && *task.TerminalBackend != "" {
		backend = *task.TerminalBackend
	}
	if backend == "" {
		backend = BackendTmux
	}
	if backend == BackendTmux && runtime.GOOS == "windows" {
		backend = BackendVSCode
	}
	if _, ok := s.launchers[backend]; !ok {
		return "", fmt.Errorf("%w: %s", ErrBackendUnavailable, backend)
	}
	return backend, nil
}

// CreateSession implements create_session(task, worktree_path,
// reuse_if_exists). It writes start_prompt.md under
// <worktree>/.kagan/ and returns the command line the UI should run.
func (s *Sessions) CreateSession(ctx context.Context, task *store.Task, worktreePath string, reuseIfExists bool) (*CreateResult, error) {
	return s.create(ctx, task, SessionName(task.ID), worktreePath, reuseIfExists)
}

// CreateResolutionSession is CreateSession's merge-worktree counterpart,
// for manual conflict resolution (§4.4).
func (s *Sessions) CreateResolutionSession(ctx context.Context, task *store.Task, mergeWorktreePath string, reuseIfExists bool) (*CreateResult, error) {
	return s.create(ctx, task, ResolutionSessionName(task.ID), mergeWorktreePath, reuseIfExists)
}

func (s *Sessions) create(ctx context.Context, task *store.Task, name, worktreePath string, reuseIfExists bool) (*CreateResult, error) {
	backend, err := s.resolveBackend(task)
	if err != nil {
		return nil, &Error{Op: "create_session", ID: name, Err: err}
	}
	launcher := s.launchers[backend]

	if reuseIfExists && s.manager.Exists(name) && launcher.HasSession(ctx, name) {
		_ = s.manager.Touch(name)
		return &CreateResult{SessionName: name, Backend: backend, Command: attachCommand(backend, name, worktreePath), Reused: true}, nil
	}

	if err := writeStartPrompt(worktreePath, task); err != nil {
		return nil, &Error{Op: "create_session", ID: name, Err: err}
	}

	command, pid, err := launcher.Launch(ctx, name, worktreePath)
	if err != nil {
		return nil, &Error{Op: "create_session", ID: name, Err: err}
	}

	if _, err := s.manager.Create(name, task.ID, backend, worktreePath); err != nil {
		return nil, &Error{Op: "create_session", ID: name, Err: err}
	}
	if pid > 0 {
		_ = s.manager.RecordLauncherPID(name, pid)
	}

	if workspace, werr := s.store.Workspaces.ActiveForTask(ctx, task.ID); werr == nil && workspace != nil {
		if _, err := s.store.Sessions.Open(ctx, workspace.ID, store.SessionPair, &name); err != nil {
			return nil, &Error{Op: "create_session", ID: name, Err: err}
		}
	}

	return &CreateResult{SessionName: name, Backend: backend, Command: command}, nil
}

func attachCommand(backend, name, worktreePath string) string {
	switch backend {
	case BackendVSCode:
		return "code " + worktreePath
	case BackendCursor:
		return "cursor " + worktreePath
	default:
		return "tmux attach -t " + name
	}
}

// SessionExists implements session_exists.
func (s *Sessions) SessionExists(ctx context.Context, name string) bool {
	rec, err := s.manager.Get(name)
	if err != nil {
		return false
	}
	launcher, ok := s.launchers[rec.Backend]
	if !ok {
		return false
	}
	return launcher.HasSession(ctx, name) || s.manager.IsAlive(name)
}

// AttachSession implements attach_session: the core never execs the
// backend itself, it only resolves which command line the UI should
// exec after suspending itself.
func (s *Sessions) AttachSession(ctx context.Context, name string) (string, error) {
	rec, err := s.manager.Get(name)
	if err != nil {
		return "", &Error{Op: "attach_session", ID: name, Err: ErrSessionNotFound}
	}
	_ = s.manager.Touch(name)
	return attachCommand(rec.Backend, name, rec.WorktreePath), nil
}

// KillSession implements kill_session.
func (s *Sessions) KillSession(ctx context.Context, name string) error {
	rec, err := s.manager.Get(name)
	if err != nil {
		return &Error{Op: "kill_session", ID: name, Err: ErrSessionNotFound}
	}
	if launcher, ok := s.launchers[rec.Backend]; ok {
		if err := launcher.Kill(ctx, name); err != nil {
			return &Error{Op: "kill_session", ID: name, Err: err}
		}
	}
	if err := s.manager.Delete(name); err != nil {
		return &Error{Op: "kill_session", ID: name, Err: err}
	}
	if workspace, werr := s.store.Workspaces.ActiveForTask(ctx, rec.TaskID); werr == nil && workspace != nil {
		if sessions, err := s.store.Sessions.ActiveForWorkspace(ctx, workspace.ID); err == nil {
			for _, sess := range sessions {
				if sess.ExternalID != nil && *sess.ExternalID == name {
					_ = s.store.Sessions.Close(ctx, sess.ID)
				}
			}
		}
	}
	return nil
}

func writeStartPrompt(worktreePath string, task *store.Task) error {
	dir := filepath.Join(worktreePath, ".kagan")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create .kagan dir: %w", err)
	}
	content := fmt.Sprintf("# %s\n\n%s\n", task.Title, task.Description)
	return os.WriteFile(filepath.Join(dir, "start_prompt.md"), []byte(content), 0o644)
}
