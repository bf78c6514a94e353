package api

import (
	"context"
	"encoding/json"
	"errors"

	"kagan/internal/ipc"
	"kagan/internal/jobs"
)

func (a *API) registerJobs(host *ipc.Host) {
	host.Register("jobs", "submit_job", a.jobsSubmit)
	host.Register("jobs", "wait_job", a.jobsWait)
	host.Register("jobs", "cancel_job", a.jobsCancel)
	host.Register("jobs", "list_job_events", a.jobsListEvents)
	host.Register("jobs", "list_actions", a.jobsListActions)
}

func (a *API) jobsSubmit(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID    string         `json:"task_id"`
		Action    string         `json:"action"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" || p.Action == "" {
		return nil, ipc.NewError(ipc.ErrInvalidParams, "task_id and action are required")
	}

	job, err := a.Jobs.SubmitJob(ctx, p.TaskID, p.Action, p.Arguments)
	if err != nil {
		var unsupported *jobs.UnsupportedActionError
		if errors.As(err, &unsupported) {
			ierr := ipc.NewError(ipc.ErrUnsupportedAction, unsupported.Error())
			return map[string]any{
				"hint":           "call jobs.list_actions to discover the supported action set",
				"next_tool":      unsupported.NextTool,
				"next_arguments": unsupported.NextArguments,
			}, ierr
		}
		return nil, internalErr(err)
	}
	return job, nil
}

func (a *API) jobsWait(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		JobID          string `json:"job_id"`
		TaskID         string `json:"task_id"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	job, timedOut, waited, err := a.Jobs.WaitJob(ctx, p.JobID, p.TimeoutSeconds)
	if err != nil {
		return nil, notFound(err)
	}
	return map[string]any{
		"job":       job,
		"timed_out": timedOut,
		"timeout": map[string]any{
			"requested_seconds": p.TimeoutSeconds,
			"waited_seconds":    waited,
		},
	}, nil
}

func (a *API) jobsCancel(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		JobID string `json:"job_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := a.Jobs.CancelJob(ctx, p.JobID); err != nil {
		return nil, notFound(err)
	}
	return map[string]any{"cancelled": true}, nil
}

func (a *API) jobsListEvents(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		JobID  string `json:"job_id"`
		Limit  int    `json:"limit"`
		Offset int    `json:"offset"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	events, total, hasMore, nextOffset, err := a.Jobs.ListJobEvents(ctx, p.JobID, p.Limit, p.Offset)
	if err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{
		"events":          events,
		"total_events":    total,
		"returned_events": len(events),
		"offset":          p.Offset,
		"limit":           p.Limit,
		"has_more":        hasMore,
		"next_offset":     nextOffset,
	}, nil
}

func (a *API) jobsListActions(ctx context.Context, _ json.RawMessage) (any, *ipc.Error) {
	return map[string]any{"actions": jobs.ListActions()}, nil
}
