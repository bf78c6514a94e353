package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"kagan/internal/agentproc"
	"kagan/internal/config"
	"kagan/internal/events"
	"kagan/internal/logging"
	"kagan/internal/runtimeview"
	"kagan/internal/store"
	"kagan/pkg/gitwt"
)

type eventKind int

const (
	eventStatusChange eventKind = iota
	eventSpawn
	eventRunEnded
	eventStopRequest
)

// engineEvent is the single shape the event loop processes — a status
// change, an explicit spawn request, a run ending, or a stop request.
// Processing is strictly sequential on one worker (§4.2), so every field
// above is only ever read/written from Engine.handle.
type engineEvent struct {
	kind   eventKind
	taskID string
	old    store.TaskStatus
	new    store.TaskStatus
	done   chan struct{}
}

type blockedEntry struct {
	reason       string
	blockedBy    []string
	overlapHints []string
}

// runningTask is the engine's bookkeeping for one in-flight spawn; it is
// distinct from runtimeview.RuntimeTaskView, which is the read side
// other components observe.
type runningTask struct {
	executionID string
	sessionID   string
	workspace   *store.Workspace
	repos       []gitwt.ProvisionedRepo
	hints       []string
	agent       *agentproc.Process
	reviewAgent *agentproc.Process
	cancel      context.CancelFunc
}

// Engine is the single-worker AUTO task lifecycle loop described in §4.2.
type Engine struct {
	store   *store.Store
	runtime *runtimeview.Registry
	git     *gitwt.Service
	bus     *events.Bus
	cfg     config.Config

	queue chan engineEvent

	mu      sync.Mutex
	pending []string
	blocked map[string]blockedEntry
	running map[string]*runningTask

	sub      *nats.Subscription
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewEngine(st *store.Store, rt *runtimeview.Registry, git *gitwt.Service, bus *events.Bus, cfg config.Config) *Engine {
	e := &Engine{
		store:   st,
		runtime: rt,
		git:     git,
		bus:     bus,
		cfg:     cfg,
		queue:   make(chan engineEvent, 256),
		blocked: make(map[string]blockedEntry),
		running: make(map[string]*runningTask),
		stopCh:  make(chan struct{}),
	}
	st.Tasks.OnStatusChange(func(taskID string, old, new store.TaskStatus) {
		e.EnqueueStatusChange(taskID, old, new)
	})
	return e
}

// RuntimeView exposes a task's runtime snapshot to callers outside the
// engine that only hold an *Engine, not the registry it was built
// with (jobs/actions.go gating a merge on the workspace lease).
func (e *Engine) RuntimeView(taskID string) runtimeview.RuntimeTaskView {
	return e.runtime.View(taskID)
}

// SetMaxConcurrentAgents updates the admission cap at runtime (settings.update,
// §4.1 maintainer profile); the next admissionSweep picks it up.
func (e *Engine) SetMaxConcurrentAgents(n int) {
	e.mu.Lock()
	e.cfg.General.MaxConcurrentAgents = n
	e.mu.Unlock()
}

// SetAutoReview toggles whether completeTask runs a review agent after
// an implementation run signals COMPLETE (settings.update).
func (e *Engine) SetAutoReview(enabled bool) {
	e.mu.Lock()
	e.cfg.Automation.AutoReview = enabled
	e.mu.Unlock()
}

// Subscribe binds the engine to the domain TaskStatusChanged stream, so
// status changes originating outside this process (a future multi-node
// deployment, or a replay) also drive the event loop, per §4.2 "The
// engine also subscribes to the domain TaskStatusChanged event stream."
func (e *Engine) Subscribe() error {
	if e.bus == nil {
		return nil
	}
	subject := fmt.Sprintf("kagan.events.%s", events.EventTypeTaskStatusChanged)
	sub, err := e.bus.Subscribe(subject, "automation-engine", func(ev *events.CloudEvent) error {
		var data events.TaskStatusChangedData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return err
		}
		e.EnqueueStatusChange(data.TaskID, store.TaskStatus(data.FromStatus), store.TaskStatus(data.ToStatus))
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe automation engine to task status stream: %w", err)
	}
	e.sub = sub
	return nil
}

// Run blocks, processing events until ctx is cancelled or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case ev := <-e.queue:
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		if e.sub != nil {
			_ = e.sub.Unsubscribe()
		}
	})
}

func (e *Engine) EnqueueStatusChange(taskID string, old, new store.TaskStatus) {
	e.enqueue(engineEvent{kind: eventStatusChange, taskID: taskID, old: old, new: new})
}

// EnqueueSpawn appends taskID to the pending queue and triggers admission.
func (e *Engine) EnqueueSpawn(taskID string) {
	e.enqueue(engineEvent{kind: eventSpawn, taskID: taskID})
}

func (e *Engine) enqueue(ev engineEvent) {
	select {
	case e.queue <- ev:
	default:
		go func() { e.queue <- ev }()
	}
}

// StopTask implements stop_task(T) (§4.2 "Stop semantics") synchronously
// from the caller's point of view, even though the actual decision is
// made on the engine's own worker.
func (e *Engine) StopTask(ctx context.Context, taskID string) error {
	done := make(chan struct{})
	e.enqueue(engineEvent{kind: eventStopRequest, taskID: taskID, done: done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) handle(ctx context.Context, ev engineEvent) {
	switch ev.kind {
	case eventStatusChange:
		e.applyStatusChangePolicy(ctx, ev.taskID, ev.old, ev.new)
		e.blockedUnblockSweep(ctx)
		e.admissionSweep(ctx)
	case eventSpawn:
		e.addPending(ev.taskID)
		e.admissionSweep(ctx)
	case eventRunEnded:
		e.mu.Lock()
		delete(e.running, ev.taskID)
		e.mu.Unlock()
		e.blockedUnblockSweep(ctx)
		e.admissionSweep(ctx)
	case eventStopRequest:
		e.stopTaskNow(ctx, ev.taskID)
		if ev.done != nil {
			close(ev.done)
		}
	}
}

// applyStatusChangePolicy implements §4.2's status-change policy: an AUTO
// task leaving IN_PROGRESS or REVIEW for anything other than REVIEW has
// its agent (and review agent) stopped.
func (e *Engine) applyStatusChangePolicy(ctx context.Context, taskID string, old, new store.TaskStatus) {
	if (old == store.TaskInProgress || old == store.TaskReview) && new != store.TaskReview {
		e.stopRunningAgent(ctx, taskID, "status changed to "+string(new))
	}
}

func (e *Engine) stopRunningAgent(ctx context.Context, taskID, reason string) {
	e.mu.Lock()
	rt, ok := e.running[taskID]
	if ok {
		delete(e.running, taskID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if rt.cancel != nil {
		rt.cancel()
	}
	if rt.agent != nil {
		_ = rt.agent.Stop(ctx)
	}
	if rt.reviewAgent != nil {
		_ = rt.reviewAgent.Stop(ctx)
	}
	e.runtime.MarkEnded(taskID)

	if e.bus != nil {
		_ = e.bus.Publisher.PublishAutomationTaskStopped(ctx, events.AutomationTaskStoppedData{
			TaskID: taskID, SessionID: rt.sessionID, Reason: reason, StoppedAt: time.Now().UTC(),
		})
	}
}

// stopTaskNow handles both halves of "stop_task(T)": a running task is
// stopped in place; a pending/blocked task is dequeued and, unless
// already BACKLOG, moved there.
func (e *Engine) stopTaskNow(ctx context.Context, taskID string) {
	e.mu.Lock()
	_, running := e.running[taskID]
	e.mu.Unlock()
	if running {
		e.stopRunningAgent(ctx, taskID, "stopped by user")
		return
	}

	e.mu.Lock()
	removed := false
	for i, id := range e.pending {
		if id == taskID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			removed = true
			break
		}
	}
	if _, ok := e.blocked[taskID]; ok {
		delete(e.blocked, taskID)
		removed = true
	}
	e.mu.Unlock()
	if !removed {
		return
	}

	e.runtime.ClearPending(taskID)
	e.runtime.ClearBlocked(taskID)
	task, err := e.store.Tasks.Get(ctx, taskID)
	if err == nil && task.Status != store.TaskBacklog {
		_ = e.store.Tasks.SetStatus(ctx, taskID, store.TaskBacklog)
	}
}

func (e *Engine) addPending(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.pending {
		if id == taskID {
			return
		}
	}
	e.pending = append(e.pending, taskID)
}

// blockedUnblockSweep re-evaluates every blocked pending task's blockers
// (§4.2 "Blocked unblock sweep"): a blocker is still active if it is
// running in memory, or the stored task is IN_PROGRESS/REVIEW, or its
// runtime view reports running/reviewing/pending.
func (e *Engine) blockedUnblockSweep(ctx context.Context) {
	e.mu.Lock()
	ids := make([]string, 0, len(e.blocked))
	for id := range e.blocked {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.mu.Lock()
		entry, ok := e.blocked[id]
		e.mu.Unlock()
		if !ok {
			continue
		}

		stillBlocked := false
		for _, blockerID := range entry.blockedBy {
			if e.blockerActive(ctx, blockerID) {
				stillBlocked = true
				break
			}
		}
		if stillBlocked {
			continue
		}

		e.mu.Lock()
		delete(e.blocked, id)
		e.pending = append(e.pending, id)
		e.mu.Unlock()
		e.runtime.ClearBlocked(id)
	}
}

func (e *Engine) blockerActive(ctx context.Context, taskID string) bool {
	e.mu.Lock()
	_, running := e.running[taskID]
	e.mu.Unlock()
	if running {
		return true
	}

	view := e.runtime.View(taskID)
	if view.IsRunning || view.IsReviewing || view.IsPending {
		return true
	}

	task, err := e.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return false
	}
	return task.Status == store.TaskInProgress || task.Status == store.TaskReview
}

// admissionSweep implements §4.2's "Spawn admission": while capacity
// remains and the pending queue is non-empty, re-load the next pending
// task, drop it if ineligible, block it if it conflicts with a currently
// running task, or dispatch a spawn.
func (e *Engine) admissionSweep(ctx context.Context) {
	for {
		e.mu.Lock()
		limit := e.cfg.General.MaxConcurrentAgents
		if limit <= 0 {
			limit = 1
		}
		if len(e.running) >= limit {
			pending := append([]string(nil), e.pending...)
			e.mu.Unlock()
			for _, id := range pending {
				e.runtime.MarkPending(id, "queued for capacity")
			}
			return
		}
		if len(e.pending) == 0 {
			e.mu.Unlock()
			return
		}
		taskID := e.pending[0]
		e.pending = e.pending[1:]
		e.mu.Unlock()

		task, err := e.store.Tasks.Get(ctx, taskID)
		if err != nil {
			continue
		}
		if task.TaskType != store.TaskTypeAuto {
			continue
		}
		e.mu.Lock()
		_, alreadyRunning := e.running[taskID]
		e.mu.Unlock()
		if alreadyRunning {
			continue
		}

		hints := DeriveHints(task.Title, task.Description, decodeCriteria(task.AcceptanceCriteria))
		assessment := AssessConflict(hints, e.runningHints())
		if assessment.Blocked {
			e.mu.Lock()
			e.blocked[taskID] = blockedEntry{
				reason:       "blocked by overlapping work",
				blockedBy:    assessment.BlockedBy,
				overlapHints: assessment.OverlapHints,
			}
			e.mu.Unlock()
			e.runtime.MarkBlocked(taskID, "blocked by overlapping work", assessment.BlockedBy, assessment.OverlapHints)
			_ = e.upsertScratchpad(ctx, taskID, fmt.Sprintf(
				"[%s] Blocked auto-start: overlaps %s (%s)",
				time.Now().UTC().Format(time.RFC3339), strings.Join(assessment.BlockedBy, ", "), strings.Join(assessment.OverlapHints, ", ")))
			if task.Status != store.TaskBacklog {
				_ = e.store.Tasks.SetStatus(ctx, taskID, store.TaskBacklog)
			}
			continue
		}

		e.runtime.ClearPending(taskID)
		e.dispatchSpawn(ctx, task, hints)
	}
}

func (e *Engine) runningHints() map[string][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string][]string, len(e.running))
	for id, rt := range e.running {
		out[id] = rt.hints
	}
	return out
}

// dispatchSpawn reserves a concurrency slot synchronously (so the next
// admissionSweep iteration sees it) and runs the actual spawn sequence in
// its own goroutine, matching §9's "long-running subprocesses are
// spawned and awaited via async subprocess primitives" while keeping the
// admission *decision* on this one worker.
func (e *Engine) dispatchSpawn(ctx context.Context, task *store.Task, hints []string) {
	runCtx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{hints: hints, cancel: cancel}

	e.mu.Lock()
	e.running[task.ID] = rt
	e.mu.Unlock()

	go e.runSpawnSequence(runCtx, task.ID, rt)
}

// runSpawnSequence implements the ten-step "Spawn sequence for task T"
// (§4.2). It always runs off the event-loop goroutine.
func (e *Engine) runSpawnSequence(ctx context.Context, taskID string, rt *runningTask) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("automation: panic in spawn sequence for task %s: %v", taskID, r)
			_ = e.store.Tasks.SetStatus(ctx, taskID, store.TaskBacklog)
		}
		e.finishRun(taskID)
	}()

	task, err := e.store.Tasks.Get(ctx, taskID)
	if err != nil {
		e.failSpawn(taskID, err)
		return
	}

	// Step 1.
	ws, repos, err := e.ensureWorkspace(ctx, task)
	if err != nil {
		logging.Error("automation: workspace provisioning failed for task %s: %v", taskID, err)
		_ = e.store.Tasks.SetStatus(ctx, taskID, store.TaskBacklog)
		return
	}
	rt.workspace = ws
	rt.repos = repos

	primary := gitwt.PrimaryWorktree(repos, "")
	if primary == nil {
		logging.Error("automation: no worktrees provisioned for task %s", taskID)
		_ = e.store.Tasks.SetStatus(ctx, taskID, store.TaskBacklog)
		return
	}

	// Step 2.
	sessions, _ := e.store.Sessions.ActiveForWorkspace(ctx, ws.ID)
	var session *store.Session
	for _, s := range sessions {
		if s.SessionType == store.SessionACP {
			session = s
			break
		}
	}
	if session == nil {
		session, err = e.store.Sessions.Open(ctx, ws.ID, store.SessionACP, nil)
		if err != nil {
			e.failSpawn(taskID, err)
			return
		}
	}
	rt.sessionID = session.ID

	executorAction, _ := json.Marshal(map[string]string{"kind": "CODINGAGENT"})
	ep, err := e.store.Executions.Start(ctx, session.ID, "CODINGAGENT", string(executorAction), "{}")
	if err != nil {
		e.failSpawn(taskID, err)
		return
	}
	rt.executionID = ep.ID
	e.runtime.MarkStarted(taskID, ep.ID, nil)

	// Step 3.
	view := e.runtime.View(taskID)
	runCount := view.RunCount - 1
	if runCount < 0 {
		runCount = 0
	}
	userIdentity := gitUserIdentity(ctx, primary.WorktreePath)

	// Step 4.
	model := e.cfg.Coding.Model
	if task.AgentBackend != nil && *task.AgentBackend != "" {
		model = *task.AgentBackend
	}
	agent := agentproc.NewProcess(e.cfg.Coding, agentproc.Options{WorkspaceDir: primary.WorktreePath, Model: model, TaskID: taskID})
	rt.agent = agent
	e.runtime.AttachRunningAgent(taskID, agent)

	if e.bus != nil {
		_ = e.bus.Publisher.PublishAutomationTaskStarted(ctx, events.AutomationTaskStartedData{
			TaskID: taskID, SessionID: session.ID, Model: model, StartedAt: time.Now().UTC(),
		})
	}

	if err := agent.Start(ctx); err != nil {
		e.endRun(ctx, ep.ID, taskID, store.ExecutionFailed, true)
		return
	}
	agent.SetAutoApprove(true) // AUTOMATION_RUNNER scope

	// Step 5.
	timeout := e.cfg.Automation.AgentTimeoutLong
	if timeout <= 0 {
		timeout = AgentTimeoutLong
	}
	if err := agent.WaitReady(timeout); err != nil {
		_ = agent.Cancel()
		e.handleBlockedSignal(ctx, ep.ID, taskID, "Agent failed to start")
		return
	}

	// Step 6.
	scratch, _ := e.store.Scratches.Get(ctx, taskID)
	scratchpad := ""
	if scratch != nil {
		scratchpad = scratch.Payload
	}
	queuedMsgs, _ := e.store.QueuedMessages.TakeAll(ctx, taskID, "implementation")
	queuedContent := TruncateTailMarked(joinQueuedMessages(queuedMsgs), QueuedMessageTailBytes)

	prompt := BuildPrompt(PromptInputs{
		Task: task, Scratchpad: scratchpad, UserIdentity: userIdentity,
		RunCount: runCount, QueuedContent: queuedContent,
	})

	turn, err := e.store.Executions.StartTurn(ctx, ep.ID, &prompt)
	if err != nil {
		e.failSpawn(taskID, err)
		return
	}

	if err := agent.SendPrompt(ctx, prompt); err != nil {
		e.endRun(ctx, ep.ID, taskID, store.ExecutionFailed, true)
		return
	}

	// Step 7.
	e.drainUntilDone(ctx, agent, ep.ID)

	select {
	case <-ctx.Done():
		_ = e.store.Executions.Complete(ctx, ep.ID, store.ExecutionKilled)
		return
	default:
	}

	// Step 8.
	responseText := agent.GetResponseText()
	_ = e.store.Executions.CompleteTurn(ctx, turn.ID, responseText, nil, nil)
	_ = e.upsertScratchpad(ctx, taskID, TruncateTail(responseText, 2*1024))
	agent.ClearToolCalls()

	// Step 9.
	sig, ok := ScanForSignal(responseText)
	switch {
	case !ok:
		_ = e.store.Executions.Complete(ctx, ep.ID, store.ExecutionCompleted)
	case sig.Kind == SignalComplete:
		e.handleCompleteSignal(ctx, ep.ID, task, session, primary, repos)
	case sig.Kind == SignalBlocked:
		e.handleBlockedSignal(ctx, ep.ID, taskID, sig.Reason)
	default:
		_ = e.store.Executions.Complete(ctx, ep.ID, store.ExecutionCompleted)
	}
}

func (e *Engine) failSpawn(taskID string, err error) {
	logging.Error("automation: spawn sequence failed for task %s: %v", taskID, err)
}

func (e *Engine) endRun(ctx context.Context, executionID, taskID string, status store.ExecutionStatus, backlog bool) {
	if executionID != "" {
		_ = e.store.Executions.Complete(ctx, executionID, status)
	}
	if backlog {
		_ = e.store.Tasks.SetStatus(ctx, taskID, store.TaskBacklog)
	}
}

func (e *Engine) handleBlockedSignal(ctx context.Context, executionID, taskID, reason string) {
	_ = e.upsertScratchpad(ctx, taskID, "--- BLOCKED ---\n"+reason)
	e.endRun(ctx, executionID, taskID, store.ExecutionFailed, true)
}

// handleCompleteSignal implements §4.2 step 9's COMPLETE branch: drain
// any implementation-lane messages queued while the agent ran, and
// either loop the task back for another spawn or hand off to completion
// handling.
func (e *Engine) handleCompleteSignal(ctx context.Context, executionID string, task *store.Task, session *store.Session, primary *gitwt.ProvisionedRepo, repos []gitwt.ProvisionedRepo) {
	queued := e.takeImplementationQueue(ctx, task.ID, session.ID)
	if len(queued) > 0 {
		_ = e.upsertScratchpad(ctx, task.ID, TruncateTailMarked(joinQueuedMessages(queued), QueuedMessageTailBytes))
		_ = e.store.Executions.Complete(ctx, executionID, store.ExecutionCompleted)
		e.EnqueueSpawn(task.ID)
		return
	}
	e.completeTask(ctx, executionID, task, session, primary, repos)
}

// takeImplementationQueue implements `_take_implementation_queue`'s
// task_id-then-session_id fallback: queued messages may legitimately be
// keyed by either (internal/api/sessions.go lets a caller queue under a
// session_id directly), so a task-keyed miss is retried against the
// session before concluding there is nothing queued.
func (e *Engine) takeImplementationQueue(ctx context.Context, taskID, sessionID string) []*store.QueuedMessage {
	queued, _ := e.store.QueuedMessages.TakeAll(ctx, taskID, "implementation")
	if len(queued) > 0 {
		return queued
	}
	queued, _ = e.store.QueuedMessages.TakeAll(ctx, sessionID, "implementation")
	return queued
}

// completeTask is §4.2's "Completion handling" paragraph: commit leftover
// changes, move to REVIEW, and optionally run the review agent.
func (e *Engine) completeTask(ctx context.Context, executionID string, task *store.Task, session *store.Session, primary *gitwt.ProvisionedRepo, repos []gitwt.ProvisionedRepo) {
	shortID := task.ID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	if _, err := e.git.CommitUncommitted(ctx, primary.WorktreePath, fmt.Sprintf("chore: adding uncommitted agent changes (%s)", shortID)); err != nil {
		logging.Error("automation: commit leftover changes for task %s: %v", task.ID, err)
	}

	_ = e.store.Tasks.SetStatus(ctx, task.ID, store.TaskReview)
	_ = e.store.Executions.Complete(ctx, executionID, store.ExecutionCompleted)

	if !e.cfg.Automation.AutoReview {
		return
	}
	e.runReviewAgent(ctx, task, session, primary, repos)
}

// runReviewAgent runs a read-only review agent in the same worktree and
// records its verdict, applying the REVIEW_GUARDRAIL_CHECK_FAILED
// downgrade when warranted (§6, §9).
func (e *Engine) runReviewAgent(ctx context.Context, task *store.Task, session *store.Session, primary *gitwt.ProvisionedRepo, repos []gitwt.ProvisionedRepo) {
	baseBranch := "main"
	if task.BaseBranch != nil && *task.BaseBranch != "" {
		baseBranch = *task.BaseBranch
	}

	commitSummary, _ := e.git.CommitLog(ctx, task.ID, baseBranch, repos)
	diffStat, _ := e.git.DiffStats(ctx, task.ID, baseBranch, repos)

	model := e.cfg.Automation.ReviewModelOverride
	reviewAgent := agentproc.NewProcess(e.cfg.Coding, agentproc.Options{WorkspaceDir: primary.WorktreePath, Model: model, TaskID: task.ID})

	e.mu.Lock()
	if rt, ok := e.running[task.ID]; ok {
		rt.reviewAgent = reviewAgent
	}
	e.mu.Unlock()
	e.runtime.AttachReviewAgent(task.ID, reviewAgent)

	if err := reviewAgent.Start(ctx); err != nil {
		logging.Error("automation: review agent failed to start for task %s: %v", task.ID, err)
		return
	}
	reviewAgent.SetAutoApprove(true)

	timeout := e.cfg.Automation.AgentTimeoutLong
	if timeout <= 0 {
		timeout = AgentTimeoutLong
	}
	if err := reviewAgent.WaitReady(timeout); err != nil {
		_ = reviewAgent.Cancel()
		return
	}

	prompt := BuildReviewPrompt(ReviewInputs{Task: task, CommitSummary: commitSummary, DiffStat: diffStat})
	if err := reviewAgent.SendPrompt(ctx, prompt); err != nil {
		return
	}

	e.drainUntilDone(ctx, reviewAgent, "")
	reviewText := reviewAgent.GetResponseText()
	_ = reviewAgent.Stop(ctx)

	sig, ok := ScanForSignal(reviewText)
	outcome := "reject"
	checksPassed := false
	reason := sig.Reason
	if ok && sig.Kind == SignalApprove {
		outcome = "approve"
		checksPassed = true
		if !ReviewMentionsAcceptanceCriterion(reviewText, task.AcceptanceCriteria) {
			outcome = "reject"
			checksPassed = false
			reason = ErrReviewGuardrailFailed.Error()
		}
	}

	_ = e.store.Tasks.SetReviewOutcome(ctx, task.ID, checksPassed, reviewText, outcome)
	_ = e.upsertScratchpad(ctx, task.ID, "--- REVIEW ---\n"+reason)

	if e.bus != nil {
		_ = e.bus.Publisher.PublishReviewCompleted(ctx, events.ReviewCompletedData{
			TaskID: task.ID, Outcome: outcome, Summary: reason, CompletedAt: time.Now().UTC(),
		})
	}
}

// drainUntilDone periodically copies an agent's newly-buffered messages
// into execution_process_logs (§4.2 step 7, "every ~0.25s"), stopping
// once the agent finishes or ctx is cancelled. executionID == "" skips
// persistence (used for the review agent, which has no execution row).
func (e *Engine) drainUntilDone(ctx context.Context, agent *agentproc.Process, executionID string) {
	ticker := time.NewTicker(DrainInterval)
	defer ticker.Stop()
	seen := 0
	for {
		select {
		case <-agent.Done():
			e.persistNewLogs(ctx, agent, executionID, &seen)
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.persistNewLogs(ctx, agent, executionID, &seen)
		}
	}
}

func (e *Engine) persistNewLogs(ctx context.Context, agent *agentproc.Process, executionID string, seen *int) {
	if executionID == "" {
		return
	}
	msgs := agent.GetMessages()
	if len(msgs) <= *seen {
		return
	}
	fresh := msgs[*seen:]
	*seen = len(msgs)
	data, err := json.Marshal(fresh)
	if err != nil {
		return
	}
	_ = e.store.Executions.AppendLog(ctx, executionID, string(data))
}

// ensureWorkspace returns the task's active workspace, provisioning one
// via pkg/gitwt + the store if none exists yet (§4.2 step 1, §4.3).
func (e *Engine) ensureWorkspace(ctx context.Context, task *store.Task) (*store.Workspace, []gitwt.ProvisionedRepo, error) {
	ws, err := e.store.Workspaces.ActiveForTask(ctx, task.ID)
	if err != nil {
		return nil, nil, err
	}
	if ws != nil {
		links, err := e.store.Workspaces.Repos(ctx, ws.ID)
		if err != nil {
			return nil, nil, err
		}
		repos := make([]gitwt.ProvisionedRepo, 0, len(links))
		for _, l := range links {
			repoRec, err := e.store.Repos.Get(ctx, l.RepoID)
			if err != nil {
				return nil, nil, err
			}
			repos = append(repos, gitwt.ProvisionedRepo{
				RepoID: l.RepoID, RepoName: repoRec.Name, RepoPath: repoRec.Path,
				WorktreePath: l.WorktreePath, TargetBranch: l.TargetBranch,
			})
		}
		return ws, repos, nil
	}

	projectRepos, err := e.store.Repos.ListForProject(ctx, task.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	if len(projectRepos) == 0 {
		return nil, nil, fmt.Errorf("project %s has no repos", task.ProjectID)
	}

	workspaceID := gitwt.NewWorkspaceID()
	branchName := gitwt.BranchName(workspaceID)

	inputs := make([]gitwt.RepoInput, 0, len(projectRepos))
	for _, r := range projectRepos {
		target := r.DefaultBranch
		if task.BaseBranch != nil && *task.BaseBranch != "" {
			target = *task.BaseBranch
		}
		inputs = append(inputs, gitwt.RepoInput{RepoID: r.ID, RepoPath: r.Path, RepoName: r.Name, TargetBranch: target})
	}

	provisioned, err := e.git.Provision(ctx, workspaceID, branchName, inputs)
	if err != nil {
		return nil, nil, err
	}

	links := make([]store.WorkspaceRepoLink, 0, len(provisioned))
	for _, p := range provisioned {
		links = append(links, store.WorkspaceRepoLink{RepoID: p.RepoID, TargetBranch: p.TargetBranch, WorktreePath: p.WorktreePath})
	}

	ws, err = e.store.Workspaces.Provision(ctx, task.ProjectID, task.ID, e.git.WorkspaceDir(workspaceID), branchName, links)
	if err != nil {
		return nil, nil, err
	}

	if e.bus != nil {
		_ = e.bus.Publisher.PublishWorkspaceProvisioned(ctx, events.WorkspaceProvisionedData{
			WorkspaceID: ws.ID, TaskID: task.ID, RepoCount: len(provisioned), BranchName: branchName, ProvisionedAt: time.Now().UTC(),
		})
	}

	return ws, provisioned, nil
}

// finishRun is deferred at the top of every spawn sequence: it ends the
// runtime view entry and tells the worker the run is over so it can
// re-sweep blocked/pending tasks.
func (e *Engine) finishRun(taskID string) {
	e.runtime.MarkEnded(taskID)
	e.enqueue(engineEvent{kind: eventRunEnded, taskID: taskID})
}

func (e *Engine) upsertScratchpad(ctx context.Context, taskID, note string) error {
	existing, _ := e.store.Scratches.Get(ctx, taskID)
	payload := note
	if existing != nil && existing.Payload != "" {
		payload = existing.Payload + "\n" + note
	}
	limit := e.cfg.Automation.ScratchpadLimitBytes
	if limit <= 0 {
		limit = ScratchpadLimitBytes
	}
	payload = TruncateTail(payload, limit)
	_, err := e.store.Scratches.Upsert(ctx, taskID, "automation", payload)
	return err
}

func decodeCriteria(raw string) []string {
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func joinQueuedMessages(msgs []*store.QueuedMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// gitUserIdentity reads the worktree's configured git identity the same
// way `build_prompt`'s "user identity" input is sourced (§4.2 step 3).
func gitUserIdentity(ctx context.Context, worktreePath string) string {
	name := gitConfigValue(ctx, worktreePath, "user.name")
	email := gitConfigValue(ctx, worktreePath, "user.email")
	switch {
	case name != "" && email != "":
		return name + " <" + email + ">"
	case name != "":
		return name
	default:
		return email
	}
}

func gitConfigValue(ctx context.Context, dir, key string) string {
	cmd := exec.CommandContext(ctx, "git", "config", key)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
