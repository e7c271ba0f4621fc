package session

import "fmt"

// State is the lifecycle state of a session record.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateDone
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateDone:
		return "done"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for _, candidate := range []State{StateUninitialized, StateReady, StateDone, StateDeleted} {
		if candidate.String() == string(b) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", b)
}

// Event drives a transition of the session state machine.
type Event int

const (
	// EventReset is a reset that reached a valid target.
	EventReset Event = iota
	// EventResetInvalid is a reset whose target could not be loaded.
	EventResetInvalid
	// EventStep is a step that left the episode running.
	EventStep
	// EventEpisodeEnd is a step that reported termination.
	EventEpisodeEnd
	// EventClose retires the session.
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventReset:
		return "reset"
	case EventResetInvalid:
		return "reset-invalid"
	case EventStep:
		return "step"
	case EventEpisodeEnd:
		return "episode-end"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Op is an externally requested operation validated against a state.
type Op int

const (
	OpStep Op = iota
	OpObserve
	OpReset
	OpClose
)

func (o Op) String() string {
	switch o {
	case OpStep:
		return "step"
	case OpObserve:
		return "observe"
	case OpReset:
		return "reset"
	case OpClose:
		return "close"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Next returns the state reached from s on event e. Invalid transitions
// return ErrInvalidState and the unchanged state.
func Next(s State, e Event) (State, error) {
	if s == StateDeleted {
		return s, fmt.Errorf("%w: session is deleted", ErrInvalidState)
	}

	switch e {
	case EventReset:
		return StateReady, nil
	case EventResetInvalid:
		return StateUninitialized, nil
	case EventStep, EventEpisodeEnd:
		switch s {
		case StateUninitialized:
			return s, ErrNotInitialized
		case StateDone:
			return s, fmt.Errorf("%w: episode is done, reset required", ErrInvalidState)
		}
		if e == EventEpisodeEnd {
			return StateDone, nil
		}
		return StateReady, nil
	case EventClose:
		return StateDeleted, nil
	}

	return s, fmt.Errorf("%w: unknown event %s", ErrInvalidState, e)
}

// Allowed reports whether op may run from state s.
//
// Observe is accepted from done so the final observation of an episode stays
// readable until the caller resets.
func Allowed(s State, op Op) error {
	switch s {
	case StateDeleted:
		return fmt.Errorf("%w: session is deleted", ErrInvalidState)
	case StateUninitialized:
		if op == OpReset || op == OpClose {
			return nil
		}
		return ErrNotInitialized
	case StateDone:
		if op == OpStep {
			return fmt.Errorf("%w: episode is done, reset required", ErrInvalidState)
		}
		return nil
	case StateReady:
		return nil
	}
	return fmt.Errorf("%w: unknown state %s", ErrInvalidState, s)
}
