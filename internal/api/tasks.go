package api

import (
	"context"
	"encoding/json"
	"time"

	"kagan/internal/ipc"
	"kagan/internal/store"
)

// tasksCreateSchema requires the two fields a task cannot exist
// without; everything else tasksCreateParams accepts stays optional so
// callers aren't forced to restate defaults.
const tasksCreateSchema = `{
	"type": "object",
	"properties": {
		"project_id": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1}
	},
	"required": ["project_id", "title"]
}`

func (a *API) registerTasks(host *ipc.Host) {
	host.Register("tasks", "create", a.tasksCreate)
	if err := host.RegisterSchema("tasks", "create", []byte(tasksCreateSchema)); err != nil {
		// The schema above is a fixed literal; a compile failure here
		// means the literal itself is broken, not bad caller input.
		panic(err)
	}
	host.Register("tasks", "get", a.tasksGet)
	host.Register("tasks", "list", a.tasksList)
	host.Register("tasks", "update", a.tasksUpdate)
	host.Register("tasks", "delete", a.tasksDelete)
	host.Register("tasks", "wait", a.tasksWait)
	host.Register("tasks", "link", a.tasksLink)
	host.Register("tasks", "scratchpad_get", a.tasksScratchpadGet)
	host.Register("tasks", "scratchpad_update", a.tasksScratchpadUpdate)
}

type taskView struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Status             string   `json:"status"`
	Priority           string   `json:"priority"`
	TaskType           string   `json:"task_type"`
	ParentID           *string  `json:"parent_id,omitempty"`
	BaseBranch         *string  `json:"base_branch,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	ChecksPassed       *bool    `json:"checks_passed,omitempty"`
	ReviewSummary      *string  `json:"review_summary,omitempty"`
	MergeFailed        bool     `json:"merge_failed"`
	MergeError         *string  `json:"merge_error,omitempty"`
	MergeReadiness     *string  `json:"merge_readiness,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`

	IsRunning   bool     `json:"is_running"`
	IsReviewing bool     `json:"is_reviewing"`
	IsPending   bool     `json:"is_pending"`
	IsBlocked   bool     `json:"is_blocked"`
	BlockedBy   []string `json:"blocked_by_task_ids,omitempty"`
	OverlapHints []string `json:"overlap_hints,omitempty"`
}

func (a *API) toView(task *store.Task) taskView {
	var criteria []string
	_ = json.Unmarshal([]byte(task.AcceptanceCriteria), &criteria)

	v := taskView{
		ID: task.ID, ProjectID: task.ProjectID, Title: task.Title, Description: task.Description,
		Status: string(task.Status), Priority: string(task.Priority), TaskType: string(task.TaskType),
		ParentID: task.ParentID, BaseBranch: task.BaseBranch, AcceptanceCriteria: criteria,
		ChecksPassed: task.ChecksPassed, ReviewSummary: task.ReviewSummary, MergeFailed: task.MergeFailed,
		MergeError: task.MergeError, MergeReadiness: task.MergeReadiness,
		CreatedAt: task.CreatedAt, UpdatedAt: task.UpdatedAt,
	}
	if a.Runtime != nil {
		rv := a.Runtime.View(task.ID)
		v.IsRunning, v.IsReviewing, v.IsPending, v.IsBlocked = rv.IsRunning, rv.IsReviewing, rv.IsPending, rv.IsBlocked
		v.BlockedBy, v.OverlapHints = rv.BlockedByTaskIDs, rv.OverlapHints
	}
	return v
}

type tasksCreateParams struct {
	ProjectID          string   `json:"project_id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Priority           string   `json:"priority"`
	TaskType           string   `json:"task_type"`
	TerminalBackend    *string  `json:"terminal_backend"`
	AgentBackend       *string  `json:"agent_backend"`
	ParentID           *string  `json:"parent_id"`
	BaseBranch         *string  `json:"base_branch"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

func (a *API) tasksCreate(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p tasksCreateParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ProjectID == "" || p.Title == "" {
		return nil, ipc.NewError(ipc.ErrInvalidParams, "project_id and title are required")
	}
	priority := store.TaskPriority(p.Priority)
	if priority == "" {
		priority = store.PriorityMedium
	}
	taskType := store.TaskType(p.TaskType)
	if taskType == "" {
		taskType = store.TaskTypeAuto
	}
	criteria, _ := json.Marshal(p.AcceptanceCriteria)

	task, err := a.Store.Tasks.Create(ctx, store.NewTask{
		ProjectID: p.ProjectID, Title: p.Title, Description: p.Description,
		Priority: priority, TaskType: taskType,
		TerminalBackend: p.TerminalBackend, AgentBackend: p.AgentBackend,
		ParentID: p.ParentID, BaseBranch: p.BaseBranch,
		AcceptanceCriteria: string(criteria),
	})
	if err != nil {
		return nil, internalErr(err)
	}
	return a.toView(task), nil
}

func (a *API) tasksGet(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	task, err := a.Store.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return nil, notFound(err)
	}
	return a.toView(task), nil
}

func (a *API) tasksList(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		ProjectID string `json:"project_id"`
		Status    string `json:"status"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	var tasks []*store.Task
	var err error
	if p.Status != "" {
		tasks, err = a.Store.Tasks.ListByStatus(ctx, store.TaskStatus(p.Status))
	} else if p.ProjectID != "" {
		tasks, err = a.Store.Tasks.ListByProject(ctx, p.ProjectID)
	} else {
		return nil, ipc.NewError(ipc.ErrInvalidParams, "project_id or status is required")
	}
	if err != nil {
		return nil, internalErr(err)
	}

	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, a.toView(t))
	}
	return map[string]any{"tasks": views}, nil
}

func (a *API) tasksUpdate(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID             string    `json:"task_id"`
		Title              *string   `json:"title"`
		Description        *string   `json:"description"`
		Priority           *string   `json:"priority"`
		TerminalBackend    *string   `json:"terminal_backend"`
		AgentBackend       *string   `json:"agent_backend"`
		BaseBranch         *string   `json:"base_branch"`
		AcceptanceCriteria *[]string `json:"acceptance_criteria"`
		Status             *string   `json:"status"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, ipc.NewError(ipc.ErrInvalidParams, "task_id is required")
	}

	var priority *store.TaskPriority
	if p.Priority != nil {
		tp := store.TaskPriority(*p.Priority)
		priority = &tp
	}
	var criteriaJSON *string
	if p.AcceptanceCriteria != nil {
		raw, _ := json.Marshal(*p.AcceptanceCriteria)
		s := string(raw)
		criteriaJSON = &s
	}

	task, err := a.Store.Tasks.Update(ctx, p.TaskID, store.TaskUpdate{
		Title: p.Title, Description: p.Description, Priority: priority,
		TerminalBackend: p.TerminalBackend, AgentBackend: p.AgentBackend,
		BaseBranch: p.BaseBranch, AcceptanceCriteria: criteriaJSON,
	})
	if err != nil {
		return nil, notFound(err)
	}

	if p.Status != nil {
		if err := a.Store.Tasks.SetStatus(ctx, p.TaskID, store.TaskStatus(*p.Status)); err != nil {
			return nil, internalErr(err)
		}
		task, err = a.Store.Tasks.Get(ctx, p.TaskID)
		if err != nil {
			return nil, notFound(err)
		}
	}
	return a.toView(task), nil
}

func (a *API) tasksDelete(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := a.Store.Tasks.Delete(ctx, p.TaskID); err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"deleted": true}, nil
}

func (a *API) tasksLink(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID    string `json:"task_id"`
		RefTaskID string `json:"ref_task_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := a.Store.Tasks.LinkTasks(ctx, p.TaskID, p.RefTaskID); err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"linked": true}, nil
}

func (a *API) tasksScratchpadGet(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	s, err := a.Store.Scratches.Get(ctx, p.TaskID)
	if err != nil {
		return map[string]any{"task_id": p.TaskID, "scratchpad": ""}, nil
	}
	return map[string]any{"task_id": p.TaskID, "scratchpad": s.Payload}, nil
}

func (a *API) tasksScratchpadUpdate(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		TaskID  string `json:"task_id"`
		Payload string `json:"payload"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	s, err := a.Store.Scratches.Upsert(ctx, p.TaskID, "note", p.Payload)
	if err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"task_id": p.TaskID, "scratchpad": s.Payload}, nil
}

// tasksWait implements the §5/§8 long-poll: it blocks until some task
// in the project changes after FromUpdatedAt or TimeoutSeconds elapses,
// whichever comes first, and never blocks past the server maximum
// (§5 "bounded by a server maximum").
func (a *API) tasksWait(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		ProjectID      string `json:"project_id"`
		FromUpdatedAt  string `json:"from_updated_at"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ProjectID == "" {
		return nil, ipc.NewError(ipc.ErrInvalidParams, "project_id is required")
	}

	cursor, _ := time.Parse(time.RFC3339Nano, p.FromUpdatedAt)

	maxWait := time.Duration(a.Config.General.ServerWaitMaxSeconds) * time.Second
	wait := time.Duration(p.TimeoutSeconds) * time.Second
	if wait <= 0 || (maxWait > 0 && wait > maxWait) {
		wait = maxWait
	}
	deadline := time.Now().Add(wait)

	for {
		changed, err := a.changedSince(ctx, p.ProjectID, cursor)
		if err != nil {
			return nil, internalErr(err)
		}
		if len(changed) > 0 {
			views := make([]taskView, 0, len(changed))
			for _, t := range changed {
				views = append(views, a.toView(t))
			}
			return map[string]any{"tasks": views, "timed_out": false}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return map[string]any{"tasks": []taskView{}, "timed_out": true}, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-a.changeSignal():
			timer.Stop()
		case <-timer.C:
			return map[string]any{"tasks": []taskView{}, "timed_out": true}, nil
		case <-ctx.Done():
			timer.Stop()
			return map[string]any{"tasks": []taskView{}, "timed_out": true}, nil
		}
	}
}

func (a *API) changedSince(ctx context.Context, projectID string, cursor time.Time) ([]*store.Task, error) {
	all, err := a.Store.Tasks.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var out []*store.Task
	for _, t := range all {
		if t.UpdatedAt.After(cursor) {
			out = append(out, t)
		}
	}
	return out, nil
}
