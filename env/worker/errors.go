package worker

import "errors"

var (
	// ErrWorkerUnavailable is returned when the worker process is gone or its
	// pipes are broken. The owning session cannot be used again.
	ErrWorkerUnavailable = errors.New("worker unavailable")

	// ErrProtocol is returned when the channel saw a malformed, unexpected or
	// missing response. The channel is suspect from then on.
	ErrProtocol = errors.New("worker protocol error")

	// ErrTimeout is joined with ErrProtocol when a call outlives its deadline.
	ErrTimeout = errors.New("worker call timed out")
)
