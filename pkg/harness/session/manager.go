// Package session persists Kagan's PAIR session bookkeeping (§4.4): one
// JSON meta file per session_name plus an optional lock file recording
// the launcher process's PID, so session_exists/kill_session can tell a
// live terminal/editor launch from a stale one without keeping any
// daemon-side process table in memory.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

type Manager struct {
	basePath string
}

// Record is one tracked PAIR (or RESOLUTION) session.
type Record struct {
	Name          string    `json:"name"`
	TaskID        string    `json:"task_id"`
	Backend       string    `json:"backend"`
	WorktreePath  string    `json:"worktree_path"`
	CreatedAt     time.Time `json:"created_at"`
	LastAttachedAt time.Time `json:"last_attached_at"`
	LauncherPID   int       `json:"launcher_pid,omitempty"`
}

type lockInfo struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

func NewManager(basePath string) *Manager {
	return &Manager{basePath: basePath}
}

func (m *Manager) sessionDir(name string) string {
	return filepath.Join(m.basePath, "pair", name)
}

func (m *Manager) metaPath(name string) string {
	return filepath.Join(m.sessionDir(name), ".session.meta")
}

func (m *Manager) lockPath(name string) string {
	return filepath.Join(m.sessionDir(name), ".session.lock")
}

// Create writes a new session record, overwriting any prior one with
// the same name (create_session's reuse_if_exists=false path).
func (m *Manager) Create(name, taskID, backend, worktreePath string) (*Record, error) {
	if err := os.MkdirAll(m.sessionDir(name), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	rec := &Record{
		Name: name, TaskID: taskID, Backend: backend, WorktreePath: worktreePath,
		CreatedAt: time.Now(), LastAttachedAt: time.Now(),
	}
	if err := m.writeMeta(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) Get(name string) (*Record, error) {
	data, err := os.ReadFile(m.metaPath(name))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (m *Manager) Exists(name string) bool {
	_, err := os.Stat(m.sessionDir(name))
	return err == nil
}

func (m *Manager) List() ([]*Record, error) {
	dir := filepath.Join(m.basePath, "pair")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var out []*Record
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rec, err := m.Get(e.Name())
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Touch records an attach, bumping LastAttachedAt.
func (m *Manager) Touch(name string) error {
	rec, err := m.Get(name)
	if err != nil {
		return err
	}
	rec.LastAttachedAt = time.Now()
	return m.writeMeta(rec)
}

// RecordLauncherPID persists the PID of a process this daemon spawned
// directly for the session (tmux's own server process isn't ours to
// track this way; see IsAlive), so a later session_exists/kill_session
// call can tell whether it is still running.
func (m *Manager) RecordLauncherPID(name string, pid int) error {
	rec, err := m.Get(name)
	if err != nil {
		return err
	}
	rec.LauncherPID = pid
	if err := m.writeMeta(rec); err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	data, err := json.MarshalIndent(lockInfo{PID: pid, Hostname: hostname, StartedAt: time.Now()}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.lockPath(name), data, 0o644)
}

// IsAlive reports whether the recorded launcher PID is still running.
// Sessions with no recorded PID (tmux, whose own server process outlives
// ours and is checked via `tmux has-session` instead) always report
// false here — callers combine this with the backend's own liveness
// check.
func (m *Manager) IsAlive(name string) bool {
	data, err := os.ReadFile(m.lockPath(name))
	if err != nil {
		return false
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return false
	}
	return isProcessAlive(info.PID)
}

func (m *Manager) Delete(name string) error {
	return os.RemoveAll(m.sessionDir(name))
}

func (m *Manager) writeMeta(rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.metaPath(rec.Name), data, 0o644)
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
