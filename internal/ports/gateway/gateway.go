package gateway

import (
	"context"
	"errors"
	"time"

	"worksync.agent/internal/core/model"
	"worksync.agent/internal/ports/location"
)

// Remote failure classes. ErrNetworkUnavailable is transient: the local copy
// stays valid and the push is retried on the next reconciliation. Timeouts
// classify here, never as rejection. ErrRemoteRejected is permanent for that
// payload: logged, surfaced, local copy kept as the user's view but left
// unsynced.
var (
	ErrNetworkUnavailable = errors.New("remote backend unreachable")
	ErrRemoteRejected     = errors.New("remote backend rejected the write")
)

// IsTransient reports whether err should leave the item queued for retry
// rather than being treated as a permanent failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

// Gateway is the narrow contract to the backend's assignment, work-session,
// and location-event tables plus the server-side check-in validation
// procedure. It is a stateless transport: it owns no data and may be
// unreachable at any time.
//
// Inserts must be idempotent upserts keyed by the client-supplied id, so
// that a crash mid-drain never duplicates remote rows. The server may still
// answer with a different, authoritative id; callers reconcile it back.
type Gateway interface {
	ListAssignments(ctx context.Context, companyID, date string, workerIDs []string) ([]model.AssignmentRecord, error)
	UpsertAssignment(ctx context.Context, rec model.AssignmentRecord) (serverID string, err error)
	UpdateAssignment(ctx context.Context, rec model.AssignmentRecord) error
	DeleteAssignment(ctx context.Context, id string) error

	FetchOpenSession(ctx context.Context, workerID string) (*model.WorkSession, error)
	ListSessionsForDay(ctx context.Context, workerID, date string) ([]model.WorkSession, error)
	UpsertSession(ctx context.Context, s model.WorkSession) (serverID string, err error)
	UpdateSessionEnd(ctx context.Context, id string, end time.Time) error
	UpdateSessionAssignment(ctx context.Context, id, assignmentID string) error

	InsertLocationEvent(ctx context.Context, ev model.LocationEvent) error

	// FetchRefLocation resolves the coordinates of the project or common
	// location an assignment points at. A nil position with nil error means
	// the reference has no coordinates on file.
	FetchRefLocation(ctx context.Context, refType model.RefType, refID string) (*location.Position, error)

	// ValidateCheckin asks the backend whether assignmentID is the worker's
	// legitimate next-assignable assignment right now. This is the
	// authoritative gate; the client's local "next" computation is only a
	// convenience.
	ValidateCheckin(ctx context.Context, workerID, assignmentID string) (bool, error)

	// Ping is the connectivity probe.
	Ping(ctx context.Context) error
}

// SiteResolver adapts the gateway's reference lookup to the geofence
// guard's narrower interface.
type SiteResolver struct {
	Gateway Gateway
}

func (r SiteResolver) SiteLocation(ctx context.Context, refType model.RefType, refID string) (*location.Position, error) {
	return r.Gateway.FetchRefLocation(ctx, refType, refID)
}
