// Package api wires Kagan's domain services (store, automation engine,
// job/session ledger, workspace service) into the IPC host's dispatch
// table (§4.1). It is the "thin translation layer" the host delegates
// to for every (capability, method) pair; MCP tool registration and the
// TUI sit in front of the same calls from outside this package (out of
// scope here per spec.md §1).
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"

	"kagan/internal/automation"
	"kagan/internal/config"
	"kagan/internal/ipc"
	"kagan/internal/jobs"
	"kagan/internal/logging"
	"kagan/internal/runtimeview"
	"kagan/internal/store"
	"kagan/pkg/gitwt"
)

// API holds every service a capability handler needs and is the
// receiver all handler methods hang off. One instance lives for the
// daemon's lifetime.
type API struct {
	Store   *store.Store
	Engine  *automation.Engine
	Jobs    *jobs.Service
	Git     *gitwt.Service
	Runtime *runtimeview.Registry
	Config  config.Config

	mu          sync.Mutex
	taskChanged chan struct{}
}

func New(st *store.Store, engine *automation.Engine, jobSvc *jobs.Service, git *gitwt.Service, rt *runtimeview.Registry, cfg config.Config) *API {
	a := &API{
		Store:       st,
		Engine:      engine,
		Jobs:        jobSvc,
		Git:         git,
		Runtime:     rt,
		Config:      cfg,
		taskChanged: make(chan struct{}),
	}
	st.Tasks.OnChange(func(string) { a.broadcastTaskChange() })
	return a
}

// broadcastTaskChange wakes every tasks.wait long-poll currently parked
// on taskChanged by closing and replacing the channel, the same
// broadcast-via-close idiom internal/jobs.Service uses for its own
// wait_job waiters.
func (a *API) broadcastTaskChange() {
	a.mu.Lock()
	close(a.taskChanged)
	a.taskChanged = make(chan struct{})
	a.mu.Unlock()
}

func (a *API) changeSignal() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.taskChanged
}

// Register installs every handler this package implements into the
// host's dispatch table, one Register call per (capability, method)
// pair matching internal/ipc's policy.build() allowlists.
func (a *API) Register(host *ipc.Host) {
	a.registerTasks(host)
	a.registerProjects(host)
	a.registerJobs(host)
	a.registerSessions(host)
	a.registerReview(host)
	a.registerPlanner(host)
	a.registerSettings(host)
	a.registerWorkspaces(host)
}

// decode unmarshals params into dst, mapping a malformed body to
// INVALID_PARAMS rather than letting it surface as INTERNAL_ERROR.
func decode(params json.RawMessage, dst any) *ipc.Error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return ipc.NewError(ipc.ErrInvalidParams, "malformed params: "+err.Error())
	}
	return nil
}

// notFound maps a store lookup miss (sql.ErrNoRows) and the jobs
// package's not-found/not-cancellable sentinels to NOT_FOUND; any other
// error is INTERNAL_ERROR, with the real message logged here, never sent
// to the client (§7).
func notFound(err error) *ipc.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, jobs.ErrJobNotFound) ||
		errors.Is(err, jobs.ErrSessionNotFound) || errors.Is(err, jobs.ErrJobNotCancellable) {
		return ipc.NewError(ipc.ErrNotFound, err.Error())
	}
	logging.Error("internal error: %v", err)
	return ipc.NewError(ipc.ErrInternal, "internal error")
}

func internalErr(err error) *ipc.Error {
	if err == nil {
		return nil
	}
	return ipc.NewError(ipc.ErrInternal, "internal error")
}

type ctxKey struct{}

// background returns context.Background(). No handler calls it: the
// dispatch signature already supplies each handler's context.
func background() context.Context { return context.Background() }
