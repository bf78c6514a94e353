// Package ipc implements Kagan core's IPC host: connection admission,
// session binding, per-capability policy, the idempotency cache, and
// request dispatch (§4.1).
package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"kagan/internal/events"
	"kagan/internal/logging"
	"kagan/internal/store"
)

// State is the host lifecycle state machine (§4.1).
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	default:
		return "STOPPED"
	}
}

// Handler is a dispatch-table entry: it receives decoded params and
// returns a JSON-encodable result or an *Error.
type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

// EndpointDescriptor is written to core.endpoint on start (§4.1).
type EndpointDescriptor struct {
	Transport string `json:"transport"` // "unix" | "tcp"
	Address   string `json:"address"`
	Port      int    `json:"port,omitempty"`
}

// Host is Kagan core's IPC server.
type Host struct {
	runtimeDir   string
	daemonVersion string

	store  *store.Store
	lease  *LeaseManager
	policy *Policy
	bus    *events.Bus

	idleTimeout time.Duration

	mu           sync.Mutex
	state        State
	handlers     map[method]Handler
	schemas      map[method]*gojsonschema.Schema
	bindings     *Bindings
	idempotency  *IdempotencyCache
	listener     net.Listener
	bearerToken  string
	connCount    int
	lastDisconnect time.Time
	idleTimer    *time.Timer
	conns        map[net.Conn]struct{}

	wg sync.WaitGroup
}

type Options struct {
	RuntimeDir            string
	DaemonVersion         string
	Store                 *store.Store
	Bus                   *events.Bus
	HeartbeatInterval     time.Duration
	LeaseStaleAfter       time.Duration
	IdempotencyCacheLimit int
	IdleTimeout           time.Duration
	PolicyProvider        PolicyProvider
}

func NewHost(opts Options) *Host {
	return &Host{
		runtimeDir:    opts.RuntimeDir,
		daemonVersion: opts.DaemonVersion,
		store:         opts.Store,
		bus:           opts.Bus,
		lease:         NewLeaseManager(opts.RuntimeDir, opts.HeartbeatInterval, opts.LeaseStaleAfter),
		policy:        NewPolicy(opts.PolicyProvider),
		idleTimeout:   opts.IdleTimeout,
		handlers:      make(map[method]Handler),
		schemas:       make(map[method]*gojsonschema.Schema),
		bindings:      NewBindings(),
		idempotency:   NewIdempotencyCache(opts.IdempotencyCacheLimit),
		state:         StateStopped,
		conns:         make(map[net.Conn]struct{}),
	}
}

// Register adds a (capability, method) -> Handler dispatch entry. Call
// before Start; the table is read-only once the host is serving.
func (h *Host) Register(capability, methodName string, handler Handler) {
	h.handlers[method{capability, methodName}] = handler
}

// RegisterSchema attaches a JSON-schema document to a (capability,
// method) pair; dispatch validates params against it before the
// handler runs, failing INVALID_PARAMS on mismatch. Most methods never
// call this — the dispatch contract is loose JSON, not strict RPC
// (§4.1) — so validation is opt-in per method, not required.
func (h *Host) RegisterSchema(capability, methodName string, schemaJSON []byte) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaJSON))
	if err != nil {
		return fmt.Errorf("compile schema for %s.%s: %w", capability, methodName, err)
	}
	h.schemas[method{capability, methodName}] = schema
	return nil
}

// MethodName identifies a registered (capability, method) pair.
type MethodName struct {
	Capability string
	Method     string
}

// Methods lists every (capability, method) pair currently registered,
// the enumeration internal/mcpadapter walks to build one MCP tool per
// dispatch-table entry without hand-listing them a second time.
func (h *Host) Methods() []MethodName {
	out := make([]MethodName, 0, len(h.handlers))
	for m := range h.handlers {
		out = append(out, MethodName{Capability: m.capability, Method: m.method})
	}
	return out
}

// Invoke runs the full request pipeline (bind, authorize, idempotency,
// dispatch, audit) for a request built outside the socket transport —
// internal/mcpadapter's tool handlers use this to forward MCP tool
// calls into the same dispatch table a socket client reaches.
func (h *Host) Invoke(ctx context.Context, req Request) Response {
	return h.handle(ctx, req)
}

func (h *Host) endpointPath() string { return filepath.Join(h.runtimeDir, "core.endpoint") }
func (h *Host) tokenPath() string    { return filepath.Join(h.runtimeDir, "core.token") }

// Start transitions STOPPED -> STARTING -> RUNNING. Failure releases the
// instance lease it had just acquired (§4.1).
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	h.state = StateStarting
	h.mu.Unlock()

	if err := h.lease.Acquire(); err != nil {
		h.setState(StateStopped)
		return fmt.Errorf("acquire instance lease: %w", err)
	}

	listener, desc, err := h.listen()
	if err != nil {
		h.lease.Release()
		h.setState(StateStopped)
		return fmt.Errorf("listen: %w", err)
	}
	h.listener = listener

	h.bearerToken = newID()
	if err := os.WriteFile(h.tokenPath(), []byte(h.bearerToken), 0o600); err != nil {
		h.teardown()
		return fmt.Errorf("write bearer token: %w", err)
	}

	descJSON, _ := json.Marshal(desc)
	if err := os.WriteFile(h.endpointPath(), descJSON, 0o644); err != nil {
		h.teardown()
		return fmt.Errorf("write endpoint descriptor: %w", err)
	}

	h.setState(StateRunning)
	h.wg.Add(1)
	go h.acceptLoop(ctx)
	return nil
}

// listen prefers a Unix domain socket, falling back to loopback TCP
// where Unix sockets aren't available (§4.1).
func (h *Host) listen() (net.Listener, EndpointDescriptor, error) {
	sockPath := filepath.Join(h.runtimeDir, "core.sock")
	os.Remove(sockPath)
	if l, err := net.Listen("unix", sockPath); err == nil {
		return l, EndpointDescriptor{Transport: "unix", Address: sockPath}, nil
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, EndpointDescriptor{}, err
	}
	addr := l.Addr().(*net.TCPAddr)
	return l, EndpointDescriptor{Transport: "tcp", Address: "127.0.0.1", Port: addr.Port}, nil
}

// Stop drives RUNNING -> DRAINING -> STOPPED: closes the transport
// (both the listener and every already-open connection, so a client
// connected before Stop was called cannot keep issuing requests
// throughout the DRAINING window), cancels the idle timer, waits for
// in-flight handlers, releases the lease, and removes the
// endpoint/token files (§4.1, §8 scenario 6).
func (h *Host) Stop() {
	h.mu.Lock()
	if h.state == StateStopped {
		h.mu.Unlock()
		return
	}
	h.state = StateDraining
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
	listener := h.listener
	conns := make([]net.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	h.publishDraining()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	h.wg.Wait()
	h.teardown()
	h.setState(StateStopped)

	h.publishStopped()
}

func (h *Host) publishDraining() {
	if h.bus == nil || h.bus.Publisher == nil {
		return
	}
	_ = h.bus.Publisher.PublishCoreHostDraining(context.Background(), events.CoreHostLifecycleData{OccurredAt: time.Now().UTC()})
}

func (h *Host) publishStopped() {
	if h.bus == nil || h.bus.Publisher == nil {
		return
	}
	_ = h.bus.Publisher.PublishCoreHostStopped(context.Background(), events.CoreHostLifecycleData{OccurredAt: time.Now().UTC()})
}

func (h *Host) teardown() {
	h.lease.Release()
	os.Remove(h.endpointPath())
	os.Remove(h.tokenPath())
}

func (h *Host) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Host) acceptLoop(ctx context.Context) {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		h.onConnect(conn)
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer h.onDisconnect(conn)
			h.serveConn(ctx, conn)
		}()
	}
}

func (h *Host) onConnect(conn net.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connCount++
	h.conns[conn] = struct{}{}
	if h.idleTimer != nil {
		h.idleTimer.Stop()
		h.idleTimer = nil
	}
}

func (h *Host) onDisconnect(conn net.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connCount--
	delete(h.conns, conn)
	h.lastDisconnect = time.Now().UTC()
	if h.connCount == 0 && h.idleTimeout > 0 {
		h.idleTimer = time.AfterFunc(h.idleTimeout, func() {
			logging.Info("idle timeout elapsed with no reconnect, stopping")
			go h.Stop()
		})
	}
}

// serveConn speaks length-delimited-by-newline JSON (bufio.Scanner,
// matching the line-based framing the agent subprocess protocol in
// internal/agentproc also uses) over one connection, authenticating the
// bearer token on the first line.
func (h *Host) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	boundSessions := make(map[string]struct{})
	defer func() {
		for id := range boundSessions {
			h.bindings.Unbind(id)
		}
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	authenticated := false
	writer := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if !authenticated {
			var auth struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(line, &auth); err != nil || auth.Token != h.bearerToken {
				writer.Encode(errorResponse("", NewError(ErrAuthFailed, "invalid bearer token")))
				return
			}
			authenticated = true
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			writer.Encode(errorResponse("", NewError(ErrInvalidParams, "malformed request envelope")))
			continue
		}

		if h.State() == StateDraining {
			// Persist no new requests while draining (§4.1) and drop the
			// connection rather than keep reading from it.
			writer.Encode(errorResponse(req.RequestID, NewError(ErrNotReady, "host is draining, not accepting new requests")))
			return
		}

		boundSessions[req.SessionID] = struct{}{}
		resp := h.handle(ctx, req)
		writer.Encode(resp)
	}
}

// handle implements the full per-request pipeline: session binding,
// authorization, idempotency, dispatch, audit (§4.1).
func (h *Host) handle(ctx context.Context, req Request) Response {
	if h.State() == StateDraining {
		// Covers Invoke() (internal/mcpadapter's path into the dispatch
		// table), which bypasses serveConn's own DRAINING check.
		return errorResponse(req.RequestID, NewError(ErrNotReady, "host is draining, not accepting new requests"))
	}

	binding := h.bind(req)

	if (binding.Origin == OriginKagan || binding.Origin == OriginKaganAdmin) && req.ClientVersion != h.daemonVersion {
		return errorResponse(req.RequestID, NewError(ErrMCPOutdated, "client version does not match daemon version"))
	}

	if binding.ScopedTaskID != "" {
		if taskID, ok := scopedTaskID(req.Params); ok && taskID != binding.ScopedTaskID {
			return errorResponse(req.RequestID, NewError(ErrScopeDenied, "request targets a task outside this session's scope"))
		}
	}

	if !h.policy.Authorize(req.Capability, req.Method, binding) {
		return errorResponse(req.RequestID, NewError(ErrActionNotAllowed, "profile does not permit this operation"))
	}

	var resp Response
	if req.IdempotencyKey != nil {
		resp = h.handleIdempotent(ctx, req)
	} else {
		resp = h.dispatch(ctx, req)
	}

	h.audit(ctx, req, binding, resp)
	return resp
}

func (h *Host) bind(req Request) Binding {
	profile := ProfileViewer
	if req.SessionProfile != nil {
		profile = *req.SessionProfile
	}
	origin := OriginCLI
	if req.SessionOrigin != nil {
		origin = *req.SessionOrigin
	}
	return h.bindings.Bind(req.SessionID, profile, origin, "")
}

func (h *Host) handleIdempotent(ctx context.Context, req Request) Response {
	owner, immediate, wait, ierr := h.idempotency.Begin(req.SessionID, *req.IdempotencyKey, req.Capability, req.Method, req.Params)
	if ierr != nil {
		return errorResponse(req.RequestID, ierr)
	}
	if immediate != nil {
		resp := *immediate
		resp.RequestID = req.RequestID
		return resp
	}
	if !owner {
		select {
		case resp := <-wait:
			resp.RequestID = req.RequestID
			return resp
		case <-ctx.Done():
			return errorResponse(req.RequestID, NewError(ErrInternal, "context cancelled while awaiting idempotent owner"))
		}
	}

	resp := h.dispatch(ctx, req)
	h.idempotency.Finish(req.SessionID, *req.IdempotencyKey, resp)
	return resp
}

func (h *Host) dispatch(ctx context.Context, req Request) Response {
	key := method{req.Capability, req.Method}
	handler, ok := h.handlers[key]
	if !ok {
		return errorResponse(req.RequestID, NewError(ErrUnknownMethod, fmt.Sprintf("no handler for %s.%s", req.Capability, req.Method)))
	}

	if schema, ok := h.schemas[key]; ok {
		if verr := validateParams(schema, req.Params); verr != nil {
			return errorResponse(req.RequestID, verr)
		}
	}

	result, herr := handler(ctx, req.Params)
	if herr != nil {
		return errorResponse(req.RequestID, herr)
	}
	return okResponse(req.RequestID, result)
}

// validateParams checks req.Params against a registered JSON schema,
// surfacing every violation in one INVALID_PARAMS message rather than
// failing on the first (§4.1: "Handler exceptions map to ...
// INVALID_PARAMS (missing/ill-typed argument)").
func validateParams(schema *gojsonschema.Schema, params json.RawMessage) *Error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return NewError(ErrInvalidParams, fmt.Sprintf("params did not parse against the registered schema: %v", err))
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return NewError(ErrInvalidParams, fmt.Sprintf("params failed schema validation: %v", msgs))
}

func (h *Host) audit(ctx context.Context, req Request, binding Binding, resp Response) {
	if h.store == nil {
		return
	}
	payload, _ := json.Marshal(req.Params)
	result, _ := json.Marshal(resp.Result)
	err := h.store.Audit.Append(ctx, store.AuditRecord{
		ActorType:   string(binding.Origin),
		ActorID:     req.SessionID,
		SessionID:   &req.SessionID,
		Capability:  req.Capability,
		CommandName: req.Method,
		PayloadJSON: string(payload),
		ResultJSON:  string(result),
		Success:     resp.OK,
	})
	if err != nil {
		// Audit is best-effort (§4.1): log and move on, never fail the
		// request over it.
		logging.Error("failed to append audit event: %v", err)
	}
}

// scopedTaskID extracts a "task_id" field from params, if present, for
// the task-scope check. Handlers that don't operate on a single task
// simply have no such field and the check is skipped.
func scopedTaskID(params json.RawMessage) (string, bool) {
	var probe struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(params, &probe); err != nil || probe.TaskID == "" {
		return "", false
	}
	return probe.TaskID, true
}
