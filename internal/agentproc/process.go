package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"kagan/internal/config"
)

// Process is one running agent subprocess bound to a task's primary
// worktree. It owns the subprocess's stdin/stdout and exposes the
// opaque operations §6 describes: Start, WaitReady, SendPrompt,
// GetMessages, GetResponseText, ClearToolCalls, Stop, Cancel,
// SetAutoApprove, SetModelOverride. It satisfies runtimeview.RunningAgent.
type Process struct {
	binaryPath   string
	workspaceDir string
	model        string
	allowedTools []string
	taskID       string

	tracer trace.Tracer

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        *jsonLineWriter
	ready        chan struct{}
	readyOnce    sync.Once
	done         chan struct{}
	doneOnce     sync.Once
	exitErr      error
	messages     []Message
	toolCalls    []ToolCall
	responseText strings.Builder
	autoApprove  bool
	cancel       context.CancelFunc
}

// Options configures a new Process. Model/AllowedTools may be overridden
// per task (e.g. the review agent's cheaper model, §4.2).
type Options struct {
	BinaryPath    string
	WorkspaceDir  string
	Model         string
	AllowedTools  []string
	TaskID        string
}

func NewProcess(cfg config.CodingConfig, opts Options) *Process {
	binaryPath := opts.BinaryPath
	if binaryPath == "" {
		binaryPath = cfg.BinaryPath
	}
	model := opts.Model
	if model == "" {
		model = cfg.Model
	}
	tools := opts.AllowedTools
	if len(tools) == 0 {
		tools = cfg.AllowedTools
	}
	return &Process{
		binaryPath:   binaryPath,
		workspaceDir: opts.WorkspaceDir,
		model:        model,
		allowedTools: tools,
		taskID:       opts.TaskID,
		tracer:       otel.Tracer("kagan.agentproc"),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start spawns the subprocess in its workspace directory and begins
// draining its NDJSON stdout stream in the background. It returns as
// soon as the process has been launched; callers must call WaitReady
// before sending the first prompt.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cmd != nil {
		p.mu.Unlock()
		return &Error{Op: "Start", TaskID: p.taskID, Err: fmt.Errorf("process already started")}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	args := []string{"--stream-json"}
	if p.model != "" {
		args = append(args, "--model", p.model)
	}
	for _, t := range p.allowedTools {
		args = append(args, "--allowed-tool", t)
	}

	cmd := exec.CommandContext(runCtx, p.binaryPath, args...)
	cmd.Dir = p.workspaceDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		p.mu.Unlock()
		return &Error{Op: "Start", TaskID: p.taskID, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		p.mu.Unlock()
		return &Error{Op: "Start", TaskID: p.taskID, Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		p.mu.Unlock()
		return &Error{Op: "Start", TaskID: p.taskID, Err: fmt.Errorf("start agent subprocess: %w", err)}
	}

	p.cmd = cmd
	p.cancel = cancel
	p.stdin = &jsonLineWriter{w: stdin}
	p.mu.Unlock()

	_, span := p.tracer.Start(ctx, "agentproc.start", trace.WithAttributes(attribute.String("kagan.task_id", p.taskID)))
	span.End()

	go p.drain(stdout)
	go p.wait()

	return nil
}

// wait reaps the subprocess and signals done, closing out any blocked
// WaitReady callers.
func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitErr = err
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })
	p.readyOnce.Do(func() { close(p.ready) })
}

// drain scans stdout line by line, decoding each into a Message and
// appending it to the buffer. A "ready" message releases WaitReady;
// "update" messages with tool info are mirrored into the tool-call
// buffer ToolCalls/ClearToolCalls expose. Runs for the whole process
// lifetime rather than once per task.
func (p *Process) drain(stdout io.ReadCloser) {
	defer stdout.Close()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}

		p.mu.Lock()
		p.messages = append(p.messages, msg)
		switch msg.Type {
		case MessageUpdate:
			if msg.Text != "" {
				p.responseText.WriteString(msg.Text)
			}
			if msg.Tool != "" {
				p.toolCalls = append(p.toolCalls, ToolCall{Tool: msg.Tool, Input: msg.Input, Output: msg.Output})
			}
		case MessageReady:
			p.readyOnce.Do(func() { close(p.ready) })
		}
		p.mu.Unlock()
	}
}

// WaitReady blocks until the agent signals ready or the timeout elapses
// (§4.2 step 5: "Wait up to AGENT_TIMEOUT_LONG for the agent to signal
// ready; on timeout treat as a blocked signal").
func (p *Process) WaitReady(timeout time.Duration) error {
	select {
	case <-p.ready:
		p.mu.Lock()
		exited := p.exitErr
		p.mu.Unlock()
		if exited != nil {
			return &Error{Op: "WaitReady", TaskID: p.taskID, Err: fmt.Errorf("process exited before becoming ready: %w", exited)}
		}
		return nil
	case <-time.After(timeout):
		return &Error{Op: "WaitReady", TaskID: p.taskID, Err: ErrNotReady}
	}
}

// SendPrompt writes one prompt line to the agent's stdin.
func (p *Process) SendPrompt(ctx context.Context, text string) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return &Error{Op: "SendPrompt", TaskID: p.taskID, Err: ErrNotStarted}
	}
	_, span := p.tracer.Start(ctx, "agentproc.send_prompt", trace.WithAttributes(attribute.String("kagan.task_id", p.taskID)))
	defer span.End()
	return stdin.writeLine(map[string]any{"type": "prompt", "text": text})
}

// GetMessages returns every message buffered since the process started.
func (p *Process) GetMessages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// GetResponseText concatenates every "update" message's text field seen
// so far, which is what the automation engine scans for signal tags
// (§6 "Signal tags inside agent responses").
func (p *Process) GetResponseText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.responseText.String()
}

// ClearToolCalls drops the buffered tool-call record (§4.2 step 8: "clear
// the agent's tool-call buffer" after each turn).
func (p *Process) ClearToolCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolCalls = nil
}

func (p *Process) ToolCalls() []ToolCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ToolCall, len(p.toolCalls))
	copy(out, p.toolCalls)
	return out
}

// SetAutoApprove toggles whether the agent auto-approves its own tool
// permission requests; the automation engine sets this true for
// AUTOMATION_RUNNER scope (§4.2 step 4).
func (p *Process) SetAutoApprove(auto bool) {
	p.mu.Lock()
	p.autoApprove = auto
	stdin := p.stdin
	p.mu.Unlock()
	if stdin != nil {
		_ = stdin.writeLine(map[string]any{"type": "set_auto_approve", "value": auto})
	}
}

// SetModelOverride switches the model used for subsequent prompts,
// e.g. the review agent's cheaper model (§4.2 "Review agent model
// override").
func (p *Process) SetModelOverride(model string) {
	p.mu.Lock()
	p.model = model
	stdin := p.stdin
	p.mu.Unlock()
	if stdin != nil {
		_ = stdin.writeLine(map[string]any{"type": "set_model", "model": model})
	}
}

// Stop gracefully asks the subprocess to exit and waits briefly before
// escalating to Cancel. It satisfies runtimeview.RunningAgent.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin != nil {
		_ = stdin.writeLine(map[string]any{"type": "stop"})
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(5 * time.Second):
		return p.Cancel()
	case <-ctx.Done():
		return p.Cancel()
	}
}

// Cancel forcibly kills the subprocess (§4.2 step 10: cancellation ->
// KILLED).
func (p *Process) Cancel() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel == nil {
		return &Error{Op: "Cancel", TaskID: p.taskID, Err: ErrNotStarted}
	}
	cancel()
	<-p.done
	return nil
}

// Done reports whether the subprocess has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitErr returns the subprocess's exit error, if any, once Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// jsonLineWriter serializes one JSON object per line to an io.Writer,
// the same NDJSON framing used for stdout, applied symmetrically here
// to stdin.
type jsonLineWriter struct {
	mu sync.Mutex
	w  interface {
		Write([]byte) (int, error)
	}
}

func (j *jsonLineWriter) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.w.Write(data)
	return err
}
