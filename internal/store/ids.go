package store

import (
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// newTaskID returns an 8-hex-character task identifier, short enough to
// type into a task reference but still collision-resistant within a
// single project.
func newTaskID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// newID returns a UUID for entities whose ordering doesn't matter.
func newID() string {
	return uuid.New().String()
}

// newSortableID returns a ULID for append-only, time-ordered rows
// (execution process logs, audit events) where insertion order must be
// recoverable from the id alone without a secondary sort key tiebreak.
func newSortableID() string {
	return ulid.Make().String()
}
