package core

import (
	"errors"
	"fmt"
)

// Validation failures are synchronous and block the operation before any
// local write happens.
var (
	// ErrAlreadyCheckedIn means the worker already has an open session.
	ErrAlreadyCheckedIn = errors.New("worker already has an open work session")

	// ErrInvalidAssignmentForCheckin means the server (or, offline, the local
	// classifier) refused the assignment as the worker's next-assignable one.
	ErrInvalidAssignmentForCheckin = errors.New("assignment is not valid for check-in")

	// ErrMissingLocation means the geofence cannot be evaluated at all:
	// either no fresh position fix exists or the target assignment has no
	// resolvable coordinates.
	ErrMissingLocation = errors.New("no usable location for geofence check")

	// ErrTooFarFromSite means the fresh position sample fell outside the
	// acceptance radius.
	ErrTooFarFromSite = errors.New("too far from the work site")

	// ErrSessionNotFound means the referenced session is not currently open
	// for the worker.
	ErrSessionNotFound = errors.New("no matching open work session")
)

// LocalStoreError wraps a failed on-device write. These are fatal for the
// operation in progress and must always propagate: a failed local write
// means the offline guarantee itself is broken.
type LocalStoreError struct {
	Op  string
	Err error
}

func (e *LocalStoreError) Error() string {
	return fmt.Sprintf("local store failure during %s: %v", e.Op, e.Err)
}

func (e *LocalStoreError) Unwrap() error { return e.Err }

func localStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &LocalStoreError{Op: op, Err: err}
}
