package worker

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wricardo/mcp-training/envserver/env/sim"
)

// Tag names a command on the wire.
type Tag string

const (
	TagReset         Tag = "reset"
	TagStep          Tag = "step"
	TagQueryMetadata Tag = "queryMetadata"
	TagQueryPage     Tag = "queryPage"
	TagEvaluate      Tag = "evaluate"
	TagClose         Tag = "close"
)

// Command is the closed set of messages the caller may send to a worker.
type Command interface {
	Tag() Tag
	isCommand()
}

// Reset loads a task. ConfigRef is the catalog index; nil resets to the
// environment default.
type Reset struct {
	Seed      *int64            `json:"seed,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	ConfigRef *int              `json:"configRef,omitempty"`
}

// Step applies one action.
type Step struct {
	Action string `json:"action"`
}

// QueryMetadata asks for the observation metadata of the current page.
type QueryMetadata struct{}

// QueryPage asks for a description of the current page.
type QueryPage struct{}

// Evaluate scores a finished trajectory.
type Evaluate struct {
	Trajectory []sim.Turn `json:"trajectory"`
}

// Close asks the worker to acknowledge and tear its environment down.
type Close struct{}

func (Reset) Tag() Tag         { return TagReset }
func (Step) Tag() Tag          { return TagStep }
func (QueryMetadata) Tag() Tag { return TagQueryMetadata }
func (QueryPage) Tag() Tag     { return TagQueryPage }
func (Evaluate) Tag() Tag      { return TagEvaluate }
func (Close) Tag() Tag         { return TagClose }

func (Reset) isCommand()         {}
func (Step) isCommand()          {}
func (QueryMetadata) isCommand() {}
func (QueryPage) isCommand()     {}
func (Evaluate) isCommand()      {}
func (Close) isCommand()         {}

// ResetFromTarget converts a simulator target into a reset command.
func ResetFromTarget(t sim.Target) Reset {
	return Reset{Seed: t.Seed, Options: t.Options, ConfigRef: t.Index}
}

// Target converts the command back into a simulator target.
func (r Reset) Target() sim.Target {
	return sim.Target{Index: r.ConfigRef, Seed: r.Seed, Options: r.Options}
}

// Error kinds carried in error responses.
const (
	KindProtocol      = "protocol"
	KindUpstream      = "upstream"
	KindInvalidTarget = "invalid_target"
	KindUnsupported   = "unsupported"
)

// RemoteError is an error raised inside the worker and marshaled back as
// data.
type RemoteError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("worker %s error: %s", e.Kind, e.Message)
}

// Is maps remote kinds onto the local sentinels so callers can use errors.Is.
func (e *RemoteError) Is(target error) bool {
	switch e.Kind {
	case KindProtocol:
		return target == ErrProtocol
	case KindInvalidTarget:
		return target == sim.ErrInvalidTarget
	case KindUnsupported:
		return target == sim.ErrUnsupported
	}
	return false
}

func remoteErrorFrom(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	kind := KindUpstream
	switch {
	case errors.Is(err, sim.ErrInvalidTarget):
		kind = KindInvalidTarget
	case errors.Is(err, sim.ErrUnsupported):
		kind = KindUnsupported
	case errors.Is(err, ErrProtocol):
		kind = KindProtocol
	}
	return &RemoteError{Kind: kind, Message: err.Error()}
}

type envelope struct {
	Tag     Tag             `json:"tag"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// EvalResult is the result of an evaluate command.
type EvalResult struct {
	Score float64 `json:"score"`
}

// CloseAck is the result of a close command.
type CloseAck struct {
	Closed bool `json:"closed"`
}

// EncodeCommand renders cmd as one protocol line without the trailing newline.
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", cmd.Tag(), err)
	}
	return json.Marshal(envelope{Tag: cmd.Tag(), Payload: payload})
}

// DecodeCommand parses one protocol line. Unknown tags and malformed payloads
// wrap ErrProtocol.
func DecodeCommand(line []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed command: %v", ErrProtocol, err)
	}

	var cmd Command
	switch env.Tag {
	case TagReset:
		var c Reset
		if err := decodePayload(env.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case TagStep:
		var c Step
		if err := decodePayload(env.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case TagEvaluate:
		var c Evaluate
		if err := decodePayload(env.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case TagQueryMetadata:
		cmd = QueryMetadata{}
	case TagQueryPage:
		cmd = QueryPage{}
	case TagClose:
		cmd = Close{}
	default:
		return nil, fmt.Errorf("%w: unknown command tag %q", ErrProtocol, env.Tag)
	}
	return cmd, nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", ErrProtocol, err)
	}
	return nil
}

func encodeResult(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return encodeError(fmt.Errorf("encode result: %w", err))
	}
	return json.Marshal(response{Result: raw})
}

func encodeError(err error) ([]byte, error) {
	return json.Marshal(response{Error: remoteErrorFrom(err)})
}

func decodeResponse(line []byte) (response, error) {
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return response{}, fmt.Errorf("%w: malformed response: %v", ErrProtocol, err)
	}
	if resp.Error == nil && len(resp.Result) == 0 {
		return response{}, fmt.Errorf("%w: response has neither result nor error", ErrProtocol)
	}
	return resp, nil
}
