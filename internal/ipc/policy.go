package ipc

// method is a (capability, method) pair, the unit every policy
// allowlist and the dispatch table key on.
type method struct {
	capability string
	method     string
}

// PolicyDecision lets a plugin override the binding's profile allowlist
// for a specific (capability, method) pair. MCP tool registration
// (out of scope here) is the usual source of plugin-provided policy;
// the core only needs the decision contract.
type PolicyDecision int

const (
	// DecisionDefer means no plugin policy applies; fall back to the
	// session's profile allowlist.
	DecisionDefer PolicyDecision = iota
	DecisionAllow
	DecisionDeny
)

// PolicyProvider is consulted before the profile allowlist, per §4.1
// step (b).
type PolicyProvider interface {
	Decide(capability, method string, binding Binding) PolicyDecision
}

// Policy holds the five capability-profile allowlists (§4.1).
type Policy struct {
	allow    map[Profile]map[method]bool
	provider PolicyProvider
}

func NewPolicy(provider PolicyProvider) *Policy {
	p := &Policy{
		allow:    make(map[Profile]map[method]bool),
		provider: provider,
	}
	p.build()
	return p
}

// Allow registers one (capability, method) pair as permitted for a
// profile. build() assembles the default table from these calls; NewHost
// keeps the Policy it builds private, so outside this package
// authorization is extended through Options.PolicyProvider.
func (p *Policy) Allow(profile Profile, capability, methodName string) {
	if p.allow[profile] == nil {
		p.allow[profile] = make(map[method]bool)
	}
	p.allow[profile][method{capability, methodName}] = true
}

func (p *Policy) build() {
	// viewer: read-only across every capability.
	for _, m := range []method{
		{"tasks", "list"}, {"tasks", "get"}, {"tasks", "wait"},
		{"projects", "list"}, {"projects", "get"},
		{"jobs", "list_job_events"},
		{"sessions", "session_exists"},
	} {
		p.Allow(ProfileViewer, m.capability, m.method)
	}

	// planner: viewer plus proposal authoring.
	for m := range p.allow[ProfileViewer] {
		p.Allow(ProfilePlanner, m.capability, m.method)
	}
	for _, m := range []method{
		{"planner", "propose"}, {"planner", "list_proposals"}, {"planner", "get_proposal"},
	} {
		p.Allow(ProfilePlanner, m.capability, m.method)
	}

	// pair_worker: viewer plus PAIR session/queued-message operations.
	// Host.bind passes no task scope, so these sessions are not pinned
	// to a task and the ScopedTaskID check does not restrict them.
	for m := range p.allow[ProfileViewer] {
		p.Allow(ProfilePairWorker, m.capability, m.method)
	}
	for _, m := range []method{
		{"sessions", "create_session"}, {"sessions", "attach_session"}, {"sessions", "kill_session"},
		{"sessions", "queue_message"}, {"sessions", "take_queued"}, {"sessions", "take_all_queued"}, {"sessions", "get_queued"},
		{"sessions", "remove_message"}, {"sessions", "cancel_queued"}, {"sessions", "get_status"},
		{"tasks", "scratchpad_get"}, {"tasks", "scratchpad_update"}, {"review", "submit"},
		{"workspaces", "diff"}, {"workspaces", "diff_stats"}, {"workspaces", "files_changed"}, {"workspaces", "commit_log"},
	} {
		p.Allow(ProfilePairWorker, m.capability, m.method)
	}

	// operator: full task/workspace/job lifecycle, no settings/admin.
	for m := range p.allow[ProfilePairWorker] {
		p.Allow(ProfileOperator, m.capability, m.method)
	}
	for m := range p.allow[ProfilePlanner] {
		p.Allow(ProfileOperator, m.capability, m.method)
	}
	for _, m := range []method{
		{"tasks", "create"}, {"tasks", "update"}, {"tasks", "delete"}, {"tasks", "link"},
		{"review", "approve"}, {"review", "reject"},
		{"jobs", "submit_job"}, {"jobs", "wait_job"}, {"jobs", "cancel_job"}, {"jobs", "list_actions"},
		{"projects", "create"}, {"projects", "attach_repo"}, {"projects", "detach_repo"},
		{"workspaces", "rebase"}, {"workspaces", "prepare_conflict"}, {"workspaces", "merge"}, {"workspaces", "janitor"},
	} {
		p.Allow(ProfileOperator, m.capability, m.method)
	}

	// maintainer: everything operator has, plus settings/admin surfaces.
	for m := range p.allow[ProfileOperator] {
		p.Allow(ProfileMaintainer, m.capability, m.method)
	}
	for _, m := range []method{
		{"settings", "get"}, {"settings", "update"}, {"projects", "delete"},
	} {
		p.Allow(ProfileMaintainer, m.capability, m.method)
	}
}

// Authorize implements §4.1's authorization step. Plugin-provided
// policy is consulted first; only a DecisionDefer falls through to the
// profile allowlist.
func (p *Policy) Authorize(capability, methodName string, binding Binding) bool {
	if p.provider != nil {
		switch p.provider.Decide(capability, methodName, binding) {
		case DecisionAllow:
			return true
		case DecisionDeny:
			return false
		}
	}
	return p.allow[binding.Profile][method{capability, methodName}]
}
