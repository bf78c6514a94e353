package store

import (
	"database/sql"

	"kagan/internal/db"
)

// Store aggregates Kagan's per-entity repositories over a single
// connection.
type Store struct {
	Projects          *ProjectRepo
	Repos             *RepoRepo
	Tasks             *TaskRepo
	Workspaces        *WorkspaceRepo
	Sessions          *SessionRepo
	Executions        *ExecutionRepo
	Scratches         *ScratchRepo
	PlannerProposals  *PlannerProposalRepo
	Merges            *MergeRepo
	Audit             *AuditRepo
	Jobs              *JobRepo
	QueuedMessages    *QueuedMessageRepo

	db db.Database
}

// New builds a Store over an already-migrated database handle.
func New(database db.Database) *Store {
	conn := database.Conn()
	return &Store{
		Projects:         NewProjectRepo(conn),
		Repos:            NewRepoRepo(conn),
		Tasks:            NewTaskRepo(conn),
		Workspaces:       NewWorkspaceRepo(conn),
		Sessions:         NewSessionRepo(conn),
		Executions:       NewExecutionRepo(conn),
		Scratches:        NewScratchRepo(conn),
		PlannerProposals: NewPlannerProposalRepo(conn),
		Merges:           NewMergeRepo(conn),
		Audit:            NewAuditRepo(conn),
		Jobs:             NewJobRepo(conn),
		QueuedMessages:   NewQueuedMessageRepo(conn),
		db:               database,
	}
}

// BeginTx starts a transaction on the store's connection. It does not
// take db.SQLiteWriteMutex; the repos' own write methods do that per
// statement.
func (s *Store) BeginTx() (*sql.Tx, error) {
	return s.db.Conn().Begin()
}
