// Package store is Kagan's hand-written relational data-access layer. It
// talks to internal/db's *sql.DB directly rather than through generated
// query code, since no sqlc-style generator toolchain is available here;
// it keeps the same repo-struct-per-entity shape a generated-query
// layer would produce.
package store

import "time"

type TaskStatus string

const (
	TaskBacklog    TaskStatus = "BACKLOG"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskReview     TaskStatus = "REVIEW"
	TaskDone       TaskStatus = "DONE"
)

type TaskPriority string

const (
	PriorityLow    TaskPriority = "LOW"
	PriorityMedium TaskPriority = "MED"
	PriorityHigh   TaskPriority = "HIGH"
)

type TaskType string

const (
	TaskTypeAuto TaskType = "AUTO"
	TaskTypePair TaskType = "PAIR"
)

type WorkspaceStatus string

const (
	WorkspaceActive   WorkspaceStatus = "ACTIVE"
	WorkspaceArchived WorkspaceStatus = "ARCHIVED"
)

type SessionType string

const (
	SessionACP        SessionType = "ACP"
	SessionPair        SessionType = "PAIR"
	SessionResolution SessionType = "RESOLUTION"
)

type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionClosed SessionStatus = "CLOSED"
)

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
	ExecutionKilled    ExecutionStatus = "KILLED"
)

type ProposalStatus string

const (
	ProposalDraft    ProposalStatus = "DRAFT"
	ProposalApproved ProposalStatus = "APPROVED"
	ProposalRejected ProposalStatus = "REJECTED"
)

type Project struct {
	ID           string
	Name         string
	Description  string
	CreatedAt    time.Time
	LastOpenedAt *time.Time
}

type Repo struct {
	ID             string
	Path           string
	Name           string
	DisplayName    string
	DefaultBranch  string
	Scripts        string // JSON
	CreatedAt      time.Time
}

// ProjectRepoLink is the projects<->repos junction row.
type ProjectRepoLink struct {
	ProjectID    string
	RepoID       string
	IsPrimary    bool
	DisplayOrder int
}

type Task struct {
	ID                 string
	ProjectID          string
	Title              string
	Description        string
	Status             TaskStatus
	Priority           TaskPriority
	TaskType           TaskType
	TerminalBackend    *string
	AgentBackend       *string
	ParentID           *string
	BaseBranch         *string
	AcceptanceCriteria string // JSON-encoded ordered list
	ChecksPassed       *bool
	ReviewSummary      *string
	MergeFailed        bool
	MergeError         *string
	MergeReadiness     *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type TaskLink struct {
	TaskID    string
	RefTaskID string
}

type Workspace struct {
	ID         string
	ProjectID  string
	TaskID     string
	Path       string
	BranchName string
	Status     WorkspaceStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WorkspaceRepoLink is the one-worktree-per-repo row under a workspace.
type WorkspaceRepoLink struct {
	ID           string
	WorkspaceID  string
	RepoID       string
	TargetBranch string
	WorktreePath string
}

type Session struct {
	ID          string
	WorkspaceID string
	SessionType SessionType
	Status      SessionStatus
	ExternalID  *string
	StartedAt   time.Time
	EndedAt     *time.Time
}

type ExecutionProcess struct {
	ID             string
	SessionID      string
	RunReason      string
	Status         ExecutionStatus
	ExecutorAction string // JSON
	Metadata       string // JSON
	StartedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

type ExecutionProcessLog struct {
	ID                 string
	ExecutionProcessID string
	Logs               string
	ByteSize           int
	InsertedAt         time.Time
}

type ExecutionProcessRepoState struct {
	ID                 string
	ExecutionProcessID string
	RepoID             string
	BeforeHeadCommit   *string
	AfterHeadCommit    *string
	MergeCommit        *string
}

type CodingAgentTurn struct {
	ID                 string
	ExecutionProcessID string
	Prompt             *string
	Summary            *string
	AgentSessionID     *string
	AgentMessageID     *string
	Seen               bool
	CreatedAt          time.Time
}

type Scratch struct {
	ID          string // == task ID
	ScratchType string
	Payload     string // JSON
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type PlannerProposal struct {
	ID        string
	ProjectID string
	RepoID    *string
	TasksJSON string
	TodosJSON string
	Status    ProposalStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Merge struct {
	ID            string
	WorkspaceID   string
	Strategy      string
	Success       bool
	Message       string
	CommitSHA     *string
	PRURL         *string
	ConflictOp    *string
	ConflictFiles *string
	CreatedAt     time.Time
}

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is the async command-ledger record described in §4.4.
type Job struct {
	ID        string
	TaskID    string
	Action    string
	Status    JobStatus
	Params    string // JSON
	Result    *string
	Message   *string
	Code      *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobEvent is one append-only entry in a job's event log.
type JobEvent struct {
	ID         string
	JobID      string
	EventType  string
	Payload    string // JSON
	CreatedAt  time.Time
}

// QueuedMessage is one entry in a §4.4 lane FIFO, keyed by
// (queue_key, lane) where queue_key is usually a task ID.
type QueuedMessage struct {
	ID        string
	QueueKey  string
	Lane      string
	Content   string
	CreatedAt time.Time
}

type AuditEvent struct {
	ID          string
	OccurredAt  time.Time
	ActorType   string
	ActorID     string
	SessionID   *string
	Capability  string
	CommandName string
	PayloadJSON string
	ResultJSON  string
	Success     bool
}
