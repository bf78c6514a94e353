package api

import (
	"context"
	"encoding/json"

	"kagan/internal/ipc"
)

func (a *API) registerSettings(host *ipc.Host) {
	host.Register("settings", "get", a.settingsGet)
	host.Register("settings", "update", a.settingsUpdate)
}

// settingsView is the subset of config.Config exposed over IPC: the
// tunables a maintainer is expected to flip at runtime (§4.1 profile
// "maintainer: everything, including settings.update"), not the whole
// daemon config (runtime dir, database URL, etc. are start-time only).
type settingsView struct {
	AutoReview          bool `json:"auto_review"`
	MaxConcurrentAgents int  `json:"max_concurrent_agents"`
	IdleTimeoutSeconds  int  `json:"idle_timeout_seconds"`
}

func (a *API) settingsGet(ctx context.Context, _ json.RawMessage) (any, *ipc.Error) {
	return settingsView{
		AutoReview:          a.Config.Automation.AutoReview,
		MaxConcurrentAgents: a.Config.General.MaxConcurrentAgents,
		IdleTimeoutSeconds:  a.Config.General.CoreIdleTimeoutSeconds,
	}, nil
}

func (a *API) settingsUpdate(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var p struct {
		AutoReview          *bool `json:"auto_review"`
		MaxConcurrentAgents *int  `json:"max_concurrent_agents"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if p.AutoReview != nil {
		a.Config.Automation.AutoReview = *p.AutoReview
	}
	if p.MaxConcurrentAgents != nil && *p.MaxConcurrentAgents > 0 {
		a.Config.General.MaxConcurrentAgents = *p.MaxConcurrentAgents
	}
	a.mu.Unlock()

	if a.Engine != nil {
		if p.AutoReview != nil {
			a.Engine.SetAutoReview(*p.AutoReview)
		}
		if p.MaxConcurrentAgents != nil && *p.MaxConcurrentAgents > 0 {
			a.Engine.SetMaxConcurrentAgents(*p.MaxConcurrentAgents)
		}
	}

	return settingsView{
		AutoReview:          a.Config.Automation.AutoReview,
		MaxConcurrentAgents: a.Config.General.MaxConcurrentAgents,
		IdleTimeoutSeconds:  a.Config.General.CoreIdleTimeoutSeconds,
	}, nil
}
