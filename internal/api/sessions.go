package api

import (
	"context"
	"encoding/json"

	"kagan/internal/ipc"
	"kagan/internal/jobs"
	"kagan/pkg/gitwt"
)

func (a *API) registerSessions(host *ipc.Host) {
	host.Register("sessions", "create_session", a.sessionsCreate)
	host.Register("sessions", "session_exists", a.sessionsExists)
	host.Register("sessions", "attach_session", a.sessionsAttach)
	host.Register("sessions", "kill_session", a.sessionsKill)
	host.Register("sessions", "queue_message", a.sessionsQueueMessage)
	host.Register("sessions", "take_queued", a.sessionsTakeQueued)
	host.Register("sessions", "take_all_queued", a.sessionsTakeAllQueued)
	host.Register("sessions", "get_queued", a.sessionsGetQueued)
	host.Register("sessions", "remove_message", a.sessionsRemoveMessage)
	host.Register("sessions", "cancel_queued", a.sessionsCancelQueued)
	host.Register("sessions", "get_status", a.sessionsGetStatus)
}

// primaryWorktreePath resolves the primary worktree path for a task's
// active workspace, the same (active workspace -> WorkspaceRepo join ->
// PrimaryWorktree selection) the automation engine and job actions use,
// read-only rather than provisioning.
func (a *API) primaryWorktreePath(ctx context.Context, taskID string) (string, error) {
	ws, err := a.Store.Workspaces.ActiveForTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if ws == nil {
		return "", jobs.ErrSessionNotFound
	}
	links, err := a.Store.Workspaces.Repos(ctx, ws.ID)
	if err != nil {
		return "", err
	}
	repos := make([]gitwt.ProvisionedRepo, 0, len(links))
	for _, l := range links {
		repos = append(repos, gitwt.ProvisionedRepo{RepoID: l.RepoID, WorktreePath: l.WorktreePath, TargetBranch: l.TargetBranch})
	}
	primaryRepoID, _ := a.Store.Projects.PrimaryRepo(ctx, ws.ProjectID)
	primary := gitwt.PrimaryWorktree(repos, primaryRepoID)
	if primary == nil {
		return "", jobs.ErrSessionNotFound
	}
	return primary.WorktreePath, nil
}

func (a *API) sessionsCreate(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID        string `json:"task_id"`
		ReuseIfExists bool   `json:"reuse_if_exists"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	task, terr := a.Store.Tasks.Get(ctx, p.TaskID)
	if terr != nil {
		return nil, notFound(terr)
	}
	worktreePath, werr := a.primaryWorktreePath(ctx, p.TaskID)
	if werr != nil {
		return nil, ipc.NewError(ipc.ErrNotFound, "task has no active workspace")
	}
	result, err := a.Jobs.Sessions().CreateSession(ctx, task, worktreePath, p.ReuseIfExists)
	if err != nil {
		return nil, internalErr(err)
	}
	return result, nil
}

func (a *API) sessionsExists(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		SessionName string `json:"session_name"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return map[string]any{"exists": a.Jobs.Sessions().SessionExists(ctx, p.SessionName)}, nil
}

func (a *API) sessionsAttach(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		SessionName string `json:"session_name"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	cmd, aerr := a.Jobs.Sessions().AttachSession(ctx, p.SessionName)
	if aerr != nil {
		return nil, notFound(aerr)
	}
	return map[string]any{"command": cmd}, nil
}

func (a *API) sessionsKill(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		SessionName string `json:"session_name"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := a.Jobs.Sessions().KillSession(ctx, p.SessionName); err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"killed": true}, nil
}

type queueKeyParams struct {
	QueueKey string `json:"queue_key"`
	Lane     string `json:"lane"`
}

func (a *API) sessionsQueueMessage(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		queueKeyParams
		Content string `json:"content"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	msg, merr := a.Jobs.QueueMessage(ctx, p.QueueKey, p.Lane, p.Content)
	if merr != nil {
		return nil, internalErr(merr)
	}
	return msg, nil
}

func (a *API) sessionsTakeQueued(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p queueKeyParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	msg, merr := a.Jobs.TakeQueued(ctx, p.QueueKey, p.Lane)
	if merr != nil {
		return nil, internalErr(merr)
	}
	return msg, nil
}

func (a *API) sessionsTakeAllQueued(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p queueKeyParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	msgs, merr := a.Jobs.TakeAllQueued(ctx, p.QueueKey, p.Lane)
	if merr != nil {
		return nil, internalErr(merr)
	}
	return map[string]any{"messages": msgs}, nil
}

func (a *API) sessionsGetQueued(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p queueKeyParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	msgs, merr := a.Jobs.GetQueued(ctx, p.QueueKey, p.Lane)
	if merr != nil {
		return nil, internalErr(merr)
	}
	return map[string]any{"messages": msgs}, nil
}

func (a *API) sessionsRemoveMessage(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		MessageID string `json:"message_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := a.Jobs.RemoveMessage(ctx, p.MessageID); err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"removed": true}, nil
}

func (a *API) sessionsCancelQueued(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p queueKeyParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	n, merr := a.Jobs.CancelQueued(ctx, p.QueueKey, p.Lane)
	if merr != nil {
		return nil, internalErr(merr)
	}
	return map[string]any{"cancelled": n}, nil
}

func (a *API) sessionsGetStatus(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		QueueKey string `json:"queue_key"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	status, merr := a.Jobs.GetStatus(ctx, p.QueueKey)
	if merr != nil {
		return nil, internalErr(merr)
	}
	return status, nil
}
