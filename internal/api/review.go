package api

import (
	"context"
	"encoding/json"
	"fmt"

	"kagan/internal/ipc"
	"kagan/internal/store"
)

func (a *API) registerReview(host *ipc.Host) {
	host.Register("review", "submit", a.reviewSubmit)
	host.Register("review", "approve", a.reviewApprove)
	host.Register("review", "reject", a.reviewReject)
}

// reviewSubmit moves a task into REVIEW, the Kanban-board signal that
// its work is ready for the review agent (§4.2 completion handling runs
// automatically at the end of a COMPLETE-signalled spawn; this handler
// covers the human-initiated "request review now" path).
func (a *API) reviewSubmit(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	task, terr := a.Store.Tasks.Get(ctx, p.TaskID)
	if terr != nil {
		return nil, notFound(terr)
	}
	old := task.Status
	if err := a.Store.Tasks.SetStatus(ctx, p.TaskID, store.TaskReview); err != nil {
		return nil, internalErr(err)
	}
	if a.Engine != nil {
		a.Engine.EnqueueStatusChange(p.TaskID, old, store.TaskReview)
	}
	task, terr = a.Store.Tasks.Get(ctx, p.TaskID)
	if terr != nil {
		return nil, notFound(terr)
	}
	return a.toView(task), nil
}

// reviewApprove records a maintainer/reviewer override approving a
// task's REVIEW outcome (§4.1 capability profiles: "maintainer: ...
// review overrides"). It does not merge; jobs.submit_job(merge_task)
// does, and merge_task does not check checks_passed.
func (a *API) reviewApprove(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID string `json:"task_id"`
		Reason string `json:"reason"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := a.Store.Tasks.SetReviewOutcome(ctx, p.TaskID, true, p.Reason, "ready"); err != nil {
		return nil, internalErr(err)
	}
	task, terr := a.Store.Tasks.Get(ctx, p.TaskID)
	if terr != nil {
		return nil, notFound(terr)
	}
	return a.toView(task), nil
}

// reviewReject records a rejection and sends the task back to
// IN_PROGRESS with the feedback appended to its scratchpad (§7 "review
// rejections move the task to IN_PROGRESS with feedback appended to
// the scratchpad").
func (a *API) reviewReject(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID string `json:"task_id"`
		Reason string `json:"reason"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := a.Store.Tasks.SetReviewOutcome(ctx, p.TaskID, false, p.Reason, "rejected"); err != nil {
		return nil, internalErr(err)
	}

	existing, _ := a.Store.Scratches.Get(ctx, p.TaskID)
	prior := ""
	if existing != nil {
		prior = existing.Payload
	}
	note := fmt.Sprintf("%s\n--- REVIEW ---\nrejected: %s\n", prior, p.Reason)
	if _, err := a.Store.Scratches.Upsert(ctx, p.TaskID, "note", note); err != nil {
		return nil, internalErr(err)
	}

	old := store.TaskReview
	if err := a.Store.Tasks.SetStatus(ctx, p.TaskID, store.TaskInProgress); err != nil {
		return nil, internalErr(err)
	}
	if a.Engine != nil {
		a.Engine.EnqueueStatusChange(p.TaskID, old, store.TaskInProgress)
	}

	task, terr := a.Store.Tasks.Get(ctx, p.TaskID)
	if terr != nil {
		return nil, notFound(terr)
	}
	return a.toView(task), nil
}
