package service

import (
	"errors"
	"fmt"

	"github.com/wricardo/mcp-training/envserver/env/session"
	"github.com/wricardo/mcp-training/envserver/env/sim"
	"github.com/wricardo/mcp-training/envserver/env/worker"
)

// ErrorCode is the machine-readable error class sent to clients.
type ErrorCode string

const (
	CodeHandleNotFound    ErrorCode = "handle_not_found"
	CodeNotInitialized    ErrorCode = "not_initialized"
	CodeInvalidState      ErrorCode = "invalid_state"
	CodeInvalidTarget     ErrorCode = "invalid_target"
	CodeInvalidArgument   ErrorCode = "invalid_argument"
	CodeCapacityExhausted ErrorCode = "capacity_exhausted"
	CodeUnsupported       ErrorCode = "unsupported"
	CodeWorkerUnavailable ErrorCode = "worker_unavailable"
	CodeProtocolError     ErrorCode = "protocol_error"
	CodeUpstreamFailure   ErrorCode = "upstream_failure"
	CodeInternal          ErrorCode = "internal"
)

// ErrInvalidArgument is returned for malformed requests such as an unknown
// environment kind.
var ErrInvalidArgument = errors.New("invalid argument")

// UpstreamError wraps a failure raised by a simulator, either in-process or
// marshaled back from a worker. The session stays usable.
type UpstreamError struct {
	Handle session.Handle
	Op     string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s on session %s failed: %v", e.Op, e.Handle, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Code classifies err. A nil error has no code.
func Code(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var upstream *UpstreamError
	switch {
	case errors.Is(err, worker.ErrWorkerUnavailable):
		return CodeWorkerUnavailable
	case errors.Is(err, worker.ErrProtocol):
		return CodeProtocolError
	case errors.Is(err, session.ErrHandleNotFound):
		return CodeHandleNotFound
	case errors.Is(err, session.ErrNotInitialized):
		return CodeNotInitialized
	case errors.Is(err, session.ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, session.ErrCapacityExhausted):
		return CodeCapacityExhausted
	case errors.Is(err, sim.ErrInvalidTarget):
		return CodeInvalidTarget
	case errors.Is(err, sim.ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, sim.ErrUnknownKind), errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	case errors.As(err, &upstream):
		return CodeUpstreamFailure
	}
	return CodeInternal
}

// isWorkerFailure reports errors after which a session's worker cannot be
// trusted again.
func isWorkerFailure(err error) bool {
	return errors.Is(err, worker.ErrWorkerUnavailable) || errors.Is(err, worker.ErrProtocol)
}
