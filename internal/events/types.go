// Package events is Kagan's domain event bus: an embedded, in-process
// NATS server with a JetStream stream backing it, so the automation
// engine's task queue is a durable, replayable stream instead of a bare
// Go channel.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const CloudEventsSpecVersion = "1.0"

const EventSourcePrefix = "kagan.core"

// Event types follow a {domain}.{entity}.{action} CloudEvents naming
// convention, scoped to the task/workspace/automation domains.
const (
	EventTypeTaskStatusChanged     = "kagan.core.task.status_changed"
	EventTypeTaskCreated           = "kagan.core.task.created"
	EventTypeWorkspaceProvisioned  = "kagan.core.workspace.provisioned"
	EventTypeWorkspaceArchived     = "kagan.core.workspace.archived"
	EventTypeAutomationTaskStarted = "kagan.core.automation.task_started"
	EventTypeAutomationTaskStopped = "kagan.core.automation.task_stopped"
	EventTypeReviewCompleted       = "kagan.core.automation.review_completed"
	EventTypeMergeCompleted        = "kagan.core.workspace.merge_completed"
	EventTypeJobStatusChanged      = "kagan.core.job.status_changed"
	EventTypeCoreHostDraining      = "kagan.core.host.draining"
	EventTypeCoreHostStopped       = "kagan.core.host.stopped"
)

// CloudEvent is a CloudEvents 1.0 envelope, scoped to this daemon's
// source prefix and domain event types; it carries no extension
// attributes, since there is no multi-tenant routing to encode here.
type CloudEvent struct {
	SpecVersion string    `json:"specversion"`
	Type        string    `json:"type"`
	Source      string    `json:"source"`
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`

	DataContentType string `json:"datacontenttype,omitempty"`
	Subject         string `json:"subject,omitempty"`

	TraceID     string `json:"traceid,omitempty"`
	SpanID      string `json:"spanid,omitempty"`
	TraceParent string `json:"traceparent,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

func NewCloudEvent(eventType, source string) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     CloudEventsSpecVersion,
		Type:            eventType,
		Source:          source,
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
	}
}

func (e *CloudEvent) WithData(data any) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	e.Data = bytes
	return nil
}

func (e *CloudEvent) WithSubject(subject string) *CloudEvent {
	e.Subject = subject
	return e
}

func (e *CloudEvent) WithTracing(traceID, spanID string) *CloudEvent {
	e.TraceID = traceID
	e.SpanID = spanID
	return e
}

func (e *CloudEvent) MarshalJSON() ([]byte, error) {
	type Alias CloudEvent
	return json.Marshal((*Alias)(e))
}

func (e *CloudEvent) UnmarshalJSON(data []byte) error {
	type Alias CloudEvent
	return json.Unmarshal(data, (*Alias)(e))
}

// TaskStatusChangedData is the payload for task.status_changed events.
type TaskStatusChangedData struct {
	TaskID    string    `json:"task_id"`
	FromStatus string   `json:"from_status"`
	ToStatus  string    `json:"to_status"`
	ChangedAt time.Time `json:"changed_at"`
}

// TaskCreatedData is the payload for task.created events.
type TaskCreatedData struct {
	TaskID    string    `json:"task_id"`
	ProjectID string    `json:"project_id"`
	TaskType  string    `json:"task_type"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkspaceProvisionedData is the payload for workspace.provisioned events.
type WorkspaceProvisionedData struct {
	WorkspaceID string    `json:"workspace_id"`
	TaskID      string    `json:"task_id"`
	RepoCount   int       `json:"repo_count"`
	BranchName  string    `json:"branch_name"`
	ProvisionedAt time.Time `json:"provisioned_at"`
}

// WorkspaceArchivedData is the payload for workspace.archived events.
type WorkspaceArchivedData struct {
	WorkspaceID string    `json:"workspace_id"`
	TaskID      string    `json:"task_id"`
	Reason      string    `json:"reason,omitempty"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// AutomationTaskStartedData is the payload for automation.task_started events.
type AutomationTaskStartedData struct {
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	Model     string    `json:"model,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// AutomationTaskStoppedData is the payload for automation.task_stopped events.
type AutomationTaskStoppedData struct {
	TaskID     string    `json:"task_id"`
	SessionID  string    `json:"session_id"`
	Reason     string    `json:"reason"`
	StoppedAt  time.Time `json:"stopped_at"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// ReviewCompletedData is the payload for automation.review_completed events.
type ReviewCompletedData struct {
	TaskID      string    `json:"task_id"`
	Outcome     string    `json:"outcome"` // approve | reject
	Summary     string    `json:"summary,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// MergeCompletedData is the payload for workspace.merge_completed events.
type MergeCompletedData struct {
	TaskID      string    `json:"task_id"`
	WorkspaceID string    `json:"workspace_id"`
	Success     bool      `json:"success"`
	CommitSHA   string    `json:"commit_sha,omitempty"`
	Message     string    `json:"message,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// JobStatusChangedData is the payload for job.status_changed events.
type JobStatusChangedData struct {
	JobID      string    `json:"job_id"`
	TaskID     string    `json:"task_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ChangedAt  time.Time `json:"changed_at"`
}

// CoreHostLifecycleData is the payload for host.draining and
// host.stopped events (§8 scenario 6: "daemon publishes
// CoreHostDraining then CoreHostStopped"). Both events carry nothing
// beyond a timestamp — there is exactly one host per process, so no
// identifying fields are needed.
type CoreHostLifecycleData struct {
	OccurredAt time.Time `json:"occurred_at"`
}
