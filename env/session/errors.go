package session

import "errors"

var (
	// ErrHandleNotFound is returned for handles that were never issued or
	// have already been closed.
	ErrHandleNotFound = errors.New("handle not found")

	// ErrNotInitialized is returned when a session exists but has not been
	// reset to a valid target yet.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrInvalidState is returned when an operation or transition is not
	// legal from the session's current state.
	ErrInvalidState = errors.New("invalid session state")

	// ErrHandleExists is returned by Insert for a handle already in the table.
	ErrHandleExists = errors.New("handle already exists")

	// ErrCapacityExhausted is returned when the table is full and the
	// overflow mode rejects new sessions.
	ErrCapacityExhausted = errors.New("session capacity exhausted")
)
