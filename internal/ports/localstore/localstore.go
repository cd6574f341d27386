package localstore

import (
	"context"
	"errors"

	"worksync.agent/internal/core/model"
)

// ErrNotFound is returned when a row does not exist locally.
var ErrNotFound = errors.New("row not found in local store")

// Store is the on-device durable store: cached assignment rows, work-session
// rows, and the append-only outbox of unsynced location events. Rows with
// synced=false form the outbox for their table. Survives process restarts.
type Store interface {
	// Assignments, partitioned by (worker_id, assigned_date).
	ListAssignments(ctx context.Context, workerID, date string) ([]model.AssignmentRecord, error)
	GetAssignment(ctx context.Context, id string) (*model.AssignmentRecord, error)
	InsertAssignment(ctx context.Context, rec model.AssignmentRecord) error
	UpdateAssignment(ctx context.Context, rec model.AssignmentRecord) error
	DeleteAssignment(ctx context.Context, id string) error
	// ReplaceAssignmentsForDay atomically swaps the cached rows for one
	// (worker, date) partition with the authoritative remote ordering:
	// delete-then-insert, not merge.
	ReplaceAssignmentsForDay(ctx context.Context, workerID, date string, recs []model.AssignmentRecord) error

	// Sessions, partitioned by worker_id.
	GetSession(ctx context.Context, id string) (*model.WorkSession, error)
	GetOpenSession(ctx context.Context, workerID string) (*model.WorkSession, error)
	ListSessionsForDay(ctx context.Context, workerID, date string) ([]model.WorkSession, error)
	InsertSession(ctx context.Context, s model.WorkSession) error
	UpdateSession(ctx context.Context, s model.WorkSession) error

	// Location-event outbox. Append-only.
	InsertLocationEvent(ctx context.Context, ev model.LocationEvent) error
	UnsyncedLocationEvents(ctx context.Context) ([]model.LocationEvent, error)
	MarkLocationEventsSynced(ctx context.Context, ids []string) error

	// Outbox views over the synced flag.
	UnsyncedAssignments(ctx context.Context) ([]model.AssignmentRecord, error)
	UnsyncedSessions(ctx context.Context) ([]model.WorkSession, error)

	// Id reconciliation: replace a temporary local id with the server-issued
	// one everywhere it is referenced, record the substitution in id_remap,
	// and mark the row synced, all in one transaction.
	ConfirmAssignment(ctx context.Context, tempID, serverID string) error
	ConfirmSession(ctx context.Context, tempID, serverID string) error

	Close() error
}
