package api

import (
	"context"
	"encoding/json"

	"kagan/internal/ipc"
	"kagan/internal/store"
)

func (a *API) registerPlanner(host *ipc.Host) {
	host.Register("planner", "propose", a.plannerPropose)
	host.Register("planner", "list_proposals", a.plannerListProposals)
	host.Register("planner", "get_proposal", a.plannerGetProposal)
}

func (a *API) plannerPropose(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		ProjectID string          `json:"project_id"`
		RepoID    *string         `json:"repo_id"`
		Tasks     json.RawMessage `json:"tasks"`
		Todos     json.RawMessage `json:"todos"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.ProjectID == "" {
		return nil, ipc.NewError(ipc.ErrInvalidParams, "project_id is required")
	}
	tasksJSON, todosJSON := string(p.Tasks), string(p.Todos)
	if tasksJSON == "" {
		tasksJSON = "[]"
	}
	if todosJSON == "" {
		todosJSON = "[]"
	}

	proposal, err := a.Store.PlannerProposals.Create(ctx, p.ProjectID, p.RepoID, tasksJSON, todosJSON)
	if err != nil {
		return nil, internalErr(err)
	}
	return proposal, nil
}

func (a *API) plannerListProposals(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		ProjectID string `json:"project_id"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	proposals, err := a.Store.PlannerProposals.ListByProject(ctx, p.ProjectID)
	if err != nil {
		return nil, internalErr(err)
	}
	return map[string]any{"proposals": proposals}, nil
}

func (a *API) plannerGetProposal(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		ProposalID string `json:"proposal_id"`
		Status     string `json:"status"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	proposal, perr := a.Store.PlannerProposals.Get(ctx, p.ProposalID)
	if perr != nil {
		return nil, notFound(perr)
	}
	if p.Status != "" {
		if err := a.Store.PlannerProposals.SetStatus(ctx, p.ProposalID, store.ProposalStatus(p.Status)); err != nil {
			return nil, internalErr(err)
		}
		proposal, perr = a.Store.PlannerProposals.Get(ctx, p.ProposalID)
		if perr != nil {
			return nil, notFound(perr)
		}
	}
	return proposal, nil
}
