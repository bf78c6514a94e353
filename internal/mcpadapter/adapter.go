// Package mcpadapter exposes the IPC dispatch table to MCP (Model
// Context Protocol) tool callers. It never re-implements a capability:
// it walks internal/ipc.Host.Methods() and registers one generic MCP
// tool per (capability, method) pair, forwarding each call straight
// into Host.Invoke. The registration machinery itself is the only
// thing this package owns; the policy and dispatch contract it rides
// on belong to internal/ipc.
package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"kagan/internal/config"
	"kagan/internal/ipc"
	"kagan/internal/logging"
)

// Adapter owns the mcp-go server and the single session identity every
// tool call is forwarded under.
type Adapter struct {
	host       *ipc.Host
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
	port       int

	sessionID string
	profile   ipc.Profile
}

// New builds the adapter and registers one tool per entry currently in
// host's dispatch table. Call after every host.Register call the daemon
// makes (internal/api's Register methods), so Methods() sees the full
// table — tools are derived from the dispatch table rather than
// hand-listed, so the table must be complete before New runs.
func New(host *ipc.Host, cfg config.MCPConfig, daemonVersion string) *Adapter {
	mcpServer := server.NewMCPServer(
		"Kagan MCP Server",
		daemonVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	a := &Adapter{
		host:      host,
		mcpServer: mcpServer,
		port:      cfg.Port,
		sessionID: "mcp-" + uuid.New().String(),
		profile:   ipc.Profile(cfg.Profile),
	}

	for _, m := range host.Methods() {
		a.registerTool(m)
	}

	a.httpServer = server.NewStreamableHTTPServer(mcpServer)
	return a
}

func toolName(m ipc.MethodName) string {
	return m.Capability + "_" + m.Method
}

func (a *Adapter) registerTool(m ipc.MethodName) {
	tool := mcp.NewTool(toolName(m),
		mcp.WithDescription(fmt.Sprintf("Calls the %s.%s operation against the running kagan-core daemon.", m.Capability, m.Method)),
		mcp.WithObject("params", mcp.Description("JSON object of named arguments for this operation; see the daemon's capability reference for its shape.")),
	)
	a.mcpServer.AddTool(tool, a.handlerFor(m))
}

// handlerFor closes over m so every registered tool forwards to its own
// (capability, method) pair through the same Invoke pipeline a socket
// client's request goes through: binding, policy, idempotency, audit.
func (a *Adapter) handlerFor(m ipc.MethodName) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var params json.RawMessage
		if args, ok := request.Params.Arguments.(map[string]interface{}); ok {
			raw, err := json.Marshal(args["params"])
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("encode params: %v", err)), nil
			}
			params = raw
		} else {
			params = json.RawMessage("{}")
		}

		origin := ipc.OriginMCP
		profile := a.profile
		req := ipc.Request{
			RequestID:      uuid.New().String(),
			SessionID:      a.sessionID,
			SessionProfile: &profile,
			SessionOrigin:  &origin,
			Capability:     m.Capability,
			Method:         m.Method,
			Params:         params,
		}

		resp := a.host.Invoke(ctx, req)
		if !resp.OK {
			return mcp.NewToolResultError(fmt.Sprintf("%s: %s", resp.Error.Code, resp.Error.Message)), nil
		}
		if len(resp.Result) == 0 {
			return mcp.NewToolResultText("null"), nil
		}
		return mcp.NewToolResultText(string(resp.Result)), nil
	}
}

// Start runs the streamable HTTP transport until ctx is cancelled or
// the listener fails. Kagan only ever needs the HTTP transport: core is
// a persistent multi-client daemon, not a one-shot stdio subprocess.
func (a *Adapter) Start(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", a.port)
	logging.Info("mcp adapter listening on http://%s/mcp (%d tools registered)", addr, len(a.host.Methods()))
	if err := a.httpServer.Start(addr); err != nil {
		return fmt.Errorf("mcp adapter: %w", err)
	}
	return nil
}

// Shutdown stops accepting new MCP connections.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.httpServer == nil {
		return nil
	}
	return a.httpServer.Shutdown(ctx)
}
