// Package jobs implements Kagan's §4.4 job & session ledger: an
// asynchronous command mechanism independent from the IPC
// request/response path, PAIR session launchers (tmux / VS Code /
// Cursor), and the per-(task, lane) queued-message FIFO. Jobs run
// against the same store and automation engine internal/automation
// drives AUTO tasks with; submit_job hands off to a closed action set
// and wait_job/list_job_events read the same append-only ledger back.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"kagan/internal/automation"
	"kagan/internal/config"
	"kagan/internal/events"
	"kagan/internal/logging"
	"kagan/internal/store"
	"kagan/pkg/gitwt"
)

// Service is the job/session ledger's entry point, the object
// capability handlers for the jobs, sessions, and queued_messages
// surfaces call into.
type Service struct {
	store   *store.Store
	engine  *automation.Engine
	git     *gitwt.Service
	bus     *events.Bus
	cfg     config.Config
	sessions *Sessions

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func NewService(st *store.Store, engine *automation.Engine, git *gitwt.Service, bus *events.Bus, cfg config.Config) *Service {
	svc := &Service{store: st, engine: engine, git: git, bus: bus, cfg: cfg, waiters: make(map[string][]chan struct{})}
	svc.sessions = newSessions(st, git, cfg)
	return svc
}

// Sessions exposes the PAIR session launcher surface.
func (s *Service) Sessions() *Sessions { return s.sessions }

// SubmitJob implements submit_job(task_id, action, arguments): it
// creates a queued JobRecord and hands the action to the executor on a
// new goroutine, returning immediately (§4.4). An action outside the
// closed set fails fast with *UnsupportedActionError and never creates
// a job row.
func (s *Service) SubmitJob(ctx context.Context, taskID, action string, arguments map[string]any) (*store.Job, error) {
	fn, ok := actionTable[action]
	if !ok {
		return nil, unsupportedAction(action)
	}

	argsJSON, err := json.Marshal(arguments)
	if err != nil {
		return nil, &Error{Op: "submit_job", ID: taskID, Err: err}
	}

	job, err := s.store.Jobs.Submit(ctx, taskID, action, string(argsJSON))
	if err != nil {
		return nil, &Error{Op: "submit_job", ID: taskID, Err: err}
	}
	_ = s.store.Jobs.AppendEvent(ctx, job.ID, "queued", "{}")

	go s.run(job, fn, arguments)
	return job, nil
}

// run executes one job's action to completion, updating its status and
// event log and publishing JobStatusChanged on each transition. It runs
// detached from the request that submitted it, the same "hands the
// action to an action executor" independence §4.4 describes.
func (s *Service) run(job *store.Job, fn actionFunc, arguments map[string]any) {
	ctx := context.Background()

	s.transition(ctx, job, store.JobRunning, nil, nil, nil)

	task, err := s.store.Tasks.Get(ctx, job.TaskID)
	if err != nil {
		msg := err.Error()
		s.transition(ctx, job, store.JobFailed, nil, &msg, nil)
		return
	}

	result, err := fn(ctx, s, task, arguments)
	if err != nil {
		msg := err.Error()
		code := "ACTION_FAILED"
		if uerr, ok := asUnsupportedAction(err); ok {
			code = "UNSUPPORTED_ACTION"
			msg = uerr.Error()
		} else if errors.Is(err, automation.ErrTaskNotAuto) {
			code = "TASK_TYPE_MISMATCH"
		} else if errors.Is(err, automation.ErrWorkspaceLeased) {
			code = "REVIEW_BLOCKED_LEASE"
		}
		s.transition(ctx, job, store.JobFailed, nil, &msg, &code)
		return
	}
	s.transition(ctx, job, store.JobSucceeded, &result, nil, nil)
}

func asUnsupportedAction(err error) (*UnsupportedActionError, bool) {
	uerr, ok := err.(*UnsupportedActionError)
	return uerr, ok
}

func (s *Service) transition(ctx context.Context, job *store.Job, status store.JobStatus, result, message, code *string) {
	from := job.Status
	if err := s.store.Jobs.SetStatus(ctx, job.ID, status, result, message, code); err != nil {
		logging.Error("jobs: set status for job %s: %v", job.ID, err)
		return
	}
	job.Status = status

	payload, _ := json.Marshal(map[string]any{"status": status, "result": result, "message": message, "code": code})
	_ = s.store.Jobs.AppendEvent(ctx, job.ID, "status_changed", string(payload))

	if s.bus != nil {
		_ = s.bus.Publisher.PublishJobStatusChanged(ctx, events.JobStatusChangedData{
			JobID: job.ID, TaskID: job.TaskID, FromStatus: string(from), ToStatus: string(status), ChangedAt: time.Now().UTC(),
		})
	}

	if isTerminal(status) {
		s.notifyTerminal(job.ID)
	}
}

func isTerminal(status store.JobStatus) bool {
	switch status {
	case store.JobSucceeded, store.JobFailed, store.JobCancelled:
		return true
	default:
		return false
	}
}

// WaitJob implements wait_job(job_id, task_id, timeout_seconds): it
// blocks until the job reaches a terminal status or the timeout
// elapses, whichever comes first, and never blocks indefinitely.
func (s *Service) WaitJob(ctx context.Context, jobID string, timeoutSeconds int) (job *store.Job, timedOut bool, waitedSeconds float64, err error) {
	job, err = s.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, false, 0, &Error{Op: "wait_job", ID: jobID, Err: err}
	}
	if isTerminal(job.Status) {
		return job, false, 0, nil
	}

	done := s.registerWaiter(jobID)
	defer s.unregisterWaiter(jobID, done)

	start := time.Now()
	var timeoutCh <-chan time.Time
	if timeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(timeoutSeconds) * time.Second)
		defer timer.Stop()
		timeoutCh = timer.C
	} else {
		// timeout_seconds == 0 means "poll once and return immediately".
		timeoutCh = time.After(0)
	}

	select {
	case <-done:
	case <-timeoutCh:
		timedOut = true
	case <-ctx.Done():
		return nil, false, time.Since(start).Seconds(), ctx.Err()
	}

	job, err = s.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return nil, false, time.Since(start).Seconds(), &Error{Op: "wait_job", ID: jobID, Err: err}
	}
	if isTerminal(job.Status) {
		timedOut = false
	}
	return job, timedOut, time.Since(start).Seconds(), nil
}

func (s *Service) registerWaiter(jobID string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.waiters[jobID] = append(s.waiters[jobID], ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) unregisterWaiter(jobID string, ch chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	waiters := s.waiters[jobID]
	for i, w := range waiters {
		if w == ch {
			s.waiters[jobID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

func (s *Service) notifyTerminal(jobID string) {
	s.mu.Lock()
	waiters := s.waiters[jobID]
	delete(s.waiters, jobID)
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// ListJobEvents implements list_job_events(job_id, limit, offset) with
// standard pagination fields.
func (s *Service) ListJobEvents(ctx context.Context, jobID string, limit, offset int) (evts []*store.JobEvent, total int, hasMore bool, nextOffset int, err error) {
	evts, total, err = s.store.Jobs.ListEvents(ctx, jobID, limit, offset)
	if err != nil {
		return nil, 0, false, 0, &Error{Op: "list_job_events", ID: jobID, Err: err}
	}
	nextOffset = offset + len(evts)
	hasMore = nextOffset < total
	return evts, total, hasMore, nextOffset, nil
}

// CancelJob marks a non-terminal job cancelled and, for start_agent,
// propagates the cancellation by stopping the task's agent.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.store.Jobs.Get(ctx, jobID)
	if err != nil {
		return &Error{Op: "cancel_job", ID: jobID, Err: err}
	}
	if isTerminal(job.Status) {
		return &Error{Op: "cancel_job", ID: jobID, Err: ErrJobNotCancellable}
	}

	if job.Action == ActionStartAgent {
		_ = s.engine.StopTask(ctx, job.TaskID)
	}

	msg := "cancelled by cancel_job"
	code := "CANCELLED"
	s.transition(ctx, job, store.JobCancelled, nil, &msg, &code)
	return nil
}
