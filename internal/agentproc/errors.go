package agentproc

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted  = errors.New("agent process not started")
	ErrNotReady    = errors.New("agent process did not become ready in time")
	ErrAlreadyDone = errors.New("agent process already exited")
)

// Error wraps agentproc failures with the operation and, where known,
// the task the process was running under — the same {Op, TaskID, Err}
// shape internal/automation's Error uses.
type Error struct {
	Op     string
	TaskID string
	Err    error
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("agentproc.%s [task=%s]: %v", e.Op, e.TaskID, e.Err)
	}
	return fmt.Sprintf("agentproc.%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
