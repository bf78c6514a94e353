// Package runtimeview holds Kagan's process-wide, in-memory view of
// which tasks are currently running, pending admission, or blocked. It
// is reconciled against the persistent store on daemon startup but is
// never itself persisted — losing it on restart is expected and safe.
package runtimeview

import (
	"context"
	"sync"
	"time"

	"kagan/internal/store"
)

// RunningAgent is an opaque handle to a live agent subprocess; concrete
// implementations live in internal/agentproc. The runtime view never
// inspects it, only holds and forwards it.
type RunningAgent interface {
	Stop(ctx context.Context) error
}

// RuntimeTaskView is the per-task snapshot described in §4.5.
type RuntimeTaskView struct {
	TaskID string

	IsRunning   bool
	IsReviewing bool
	IsPending   bool
	IsBlocked   bool

	BlockedReason    string
	BlockedByTaskIDs []string
	OverlapHints     []string
	BlockedAt        *time.Time

	PendingReason string

	ExecutionID string
	RunCount    int

	RunningAgent RunningAgent
	ReviewAgent  RunningAgent
}

func newView(taskID string) *RuntimeTaskView {
	return &RuntimeTaskView{TaskID: taskID}
}

// Registry is the injectable holder of every task's RuntimeTaskView. It
// is passed around by reference, never reached via a package-level
// global, so tests can run several registries side by side.
type Registry struct {
	mu    sync.Mutex
	views map[string]*RuntimeTaskView
}

func NewRegistry() *Registry {
	return &Registry{views: make(map[string]*RuntimeTaskView)}
}

// View returns a copy of the task's current view, or a zero-value view
// if the task has no runtime entry (i.e. it isn't running, reviewing,
// pending, or blocked).
func (r *Registry) View(taskID string) RuntimeTaskView {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.views[taskID]; ok {
		return *v
	}
	return RuntimeTaskView{TaskID: taskID}
}

func (r *Registry) entry(taskID string) *RuntimeTaskView {
	v, ok := r.views[taskID]
	if !ok {
		v = newView(taskID)
		r.views[taskID] = v
	}
	return v
}

// removeIfIdle drops a task's entry once it is neither running,
// reviewing, pending, nor blocked, so the map doesn't grow unboundedly
// over the daemon's lifetime.
func (r *Registry) removeIfIdle(taskID string) {
	v, ok := r.views[taskID]
	if !ok {
		return
	}
	if !v.IsRunning && !v.IsReviewing && !v.IsPending && !v.IsBlocked {
		delete(r.views, taskID)
	}
}

func (r *Registry) MarkStarted(taskID, executionID string, agent RunningAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.entry(taskID)
	v.IsRunning = true
	v.ExecutionID = executionID
	v.RunningAgent = agent
	v.RunCount++
}

func (r *Registry) MarkEnded(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.entry(taskID)
	v.IsRunning = false
	v.IsReviewing = false
	v.RunningAgent = nil
	v.ReviewAgent = nil
	r.removeIfIdle(taskID)
}

func (r *Registry) AttachRunningAgent(taskID string, agent RunningAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(taskID).RunningAgent = agent
}

func (r *Registry) AttachReviewAgent(taskID string, agent RunningAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.entry(taskID)
	v.IsReviewing = true
	v.ReviewAgent = agent
}

func (r *Registry) MarkBlocked(taskID, reason string, blockedBy, overlapHints []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	v := r.entry(taskID)
	v.IsBlocked = true
	v.BlockedReason = reason
	v.BlockedByTaskIDs = blockedBy
	v.OverlapHints = overlapHints
	v.BlockedAt = &now
}

func (r *Registry) ClearBlocked(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.entry(taskID)
	v.IsBlocked = false
	v.BlockedReason = ""
	v.BlockedByTaskIDs = nil
	v.OverlapHints = nil
	v.BlockedAt = nil
	r.removeIfIdle(taskID)
}

func (r *Registry) MarkPending(taskID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.entry(taskID)
	v.IsPending = true
	v.PendingReason = reason
}

func (r *Registry) ClearPending(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.entry(taskID)
	v.IsPending = false
	v.PendingReason = ""
	r.removeIfIdle(taskID)
}

func (r *Registry) SetExecution(taskID, executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(taskID).ExecutionID = executionID
}

// Running returns the task IDs currently marked is_running, for the
// automation engine's concurrency-cap admission check (§4.2).
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, v := range r.views {
		if v.IsRunning {
			out = append(out, id)
		}
	}
	return out
}

// staleAfter bounds how long a reconciled-but-unconfirmed entry is kept
// before ReconcileStartupState treats it as abandoned.
const staleAfter = 10 * time.Minute

// ReconcileStartupState consults persisted execution records and marks
// every IN_PROGRESS task with a RUNNING ExecutionProcess as is_running, so the
// runtime view reflects reality after a daemon restart. Executions that
// have been RUNNING for longer than staleAfter are treated as orphaned
// by a crash and are not marked running; callers are expected to also
// transition those ExecutionProcess rows to FAILED.
func ReconcileStartupState(ctx context.Context, s *store.Store, r *Registry) ([]string, error) {
	tasks, err := s.Tasks.ListByStatus(ctx, store.TaskInProgress)
	if err != nil {
		return nil, err
	}

	var orphaned []string
	now := time.Now().UTC()

	for _, task := range tasks {
		ws, err := s.Workspaces.ActiveForTask(ctx, task.ID)
		if err != nil || ws == nil {
			continue
		}
		sessions, err := s.Sessions.ActiveForWorkspace(ctx, ws.ID)
		if err != nil {
			continue
		}
		for _, sess := range sessions {
			running, err := s.Executions.RunningForSession(ctx, sess.ID)
			if err != nil {
				continue
			}
			for _, ep := range running {
				if now.Sub(ep.StartedAt) > staleAfter {
					orphaned = append(orphaned, ep.ID)
					continue
				}
				r.MarkStarted(task.ID, ep.ID, nil)
			}
		}
	}

	return orphaned, nil
}
