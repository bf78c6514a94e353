package jobs

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobNotCancellable = errors.New("job is already in a terminal state")
	ErrSessionExists = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrBackendUnavailable = errors.New("terminal backend unavailable on this platform")
)

// Error wraps job/session-service failures with the job or task they
// occurred against, in an {Op, ID, Err} shape; internal/automation and
// internal/agentproc use the same shape with a TaskID field in place of ID.
type Error struct {
	Op  string
	ID  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("jobs: %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// UnsupportedActionError is returned by SubmitJob for any action outside
// the closed set (§4.4). The response it produces MUST carry recovery
// metadata naming an introspection tool, per spec.
type UnsupportedActionError struct {
	Action        string
	NextTool      string
	NextArguments map[string]any
}

func (e *UnsupportedActionError) Error() string {
	return fmt.Sprintf("unsupported action %q", e.Action)
}

// unsupportedAction builds the canonical recovery payload: call
// jobs.list_actions to discover the closed set.
func unsupportedAction(action string) *UnsupportedActionError {
	return &UnsupportedActionError{
		Action:        action,
		NextTool:      "jobs.list_actions",
		NextArguments: map[string]any{},
	}
}
