package mcpadapter

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"kagan/internal/config"
	"kagan/internal/ipc"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	host := ipc.NewHost(ipc.Options{
		RuntimeDir:            t.TempDir(),
		DaemonVersion:         "1.0.0",
		HeartbeatInterval:     time.Hour,
		LeaseStaleAfter:       time.Hour,
		IdempotencyCacheLimit: 64,
	})
	host.Register("tasks", "list", func(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
		return map[string]string{"pong": "ok"}, nil
	})
	host.Register("tasks", "get", func(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
		return nil, ipc.NewError(ipc.ErrNotFound, "no such task")
	})

	return New(host, config.MCPConfig{Enabled: true, Port: 0, Profile: "operator"}, "1.0.0")
}

func TestToolName_JoinsCapabilityAndMethod(t *testing.T) {
	got := toolName(ipc.MethodName{Capability: "tasks", Method: "list"})
	if got != "tasks_list" {
		t.Fatalf("expected tasks_list, got %s", got)
	}
}

func TestHandlerFor_ForwardsSuccessfulCallAsText(t *testing.T) {
	a := newTestAdapter(t)
	handler := a.handlerFor(ipc.MethodName{Capability: "tasks", Method: "list"})

	req := mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: map[string]interface{}{
		"params": map[string]interface{}{},
	}}}
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned transport error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected a successful tool result, got an error result")
	}
}

func TestHandlerFor_SurfacesIPCErrorAsToolError(t *testing.T) {
	a := newTestAdapter(t)
	handler := a.handlerFor(ipc.MethodName{Capability: "tasks", Method: "get"})

	req := mcp.CallToolRequest{Params: mcp.CallToolParams{Arguments: map[string]interface{}{
		"params": map[string]interface{}{"id": "missing"},
	}}}
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned transport error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected a tool-level error result for NOT_FOUND")
	}
}

func TestHandlerFor_MissingArgumentsDefaultsToEmptyParams(t *testing.T) {
	a := newTestAdapter(t)
	handler := a.handlerFor(ipc.MethodName{Capability: "tasks", Method: "list"})

	result, err := handler(context.Background(), mcp.CallToolRequest{})
	if err != nil {
		t.Fatalf("handler returned transport error: %v", err)
	}
	if result.IsError {
		t.Fatal("expected a missing params object to still dispatch with empty params")
	}
}

func TestNew_BindsConfiguredSessionIdentity(t *testing.T) {
	a := newTestAdapter(t)
	if !strings.HasPrefix(a.sessionID, "mcp-") {
		t.Fatalf("expected a generated mcp- session id, got %s", a.sessionID)
	}
	if a.profile != ipc.ProfileOperator {
		t.Fatalf("expected the configured operator profile, got %s", a.profile)
	}
}
