package collab

import "errors"

var (
	// ErrLockConflict is returned when an edit or lock request runs into a
	// non-expired lock held by a different user.
	ErrLockConflict = errors.New("asset is locked by another user")

	// ErrNotLockOwner is returned when a release is attempted by a user who
	// does not hold the lock, or when no lock exists.
	ErrNotLockOwner = errors.New("caller does not hold the lock")

	// ErrSessionNotFound is returned for operations against an asset with no
	// active session.
	ErrSessionNotFound = errors.New("no active session for asset")

	// ErrPersistence wraps durable-store failures. An operation that fails to
	// persist is never applied or broadcast.
	ErrPersistence = errors.New("durable store failure")
)
