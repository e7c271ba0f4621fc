package sim

import (
	"context"
	"errors"
)

var (
	// ErrInvalidTarget marks a reset target the simulator cannot load. The
	// session falls back to uninitialized.
	ErrInvalidTarget = errors.New("invalid reset target")

	// ErrUnsupported is returned by optional operations a simulator does not
	// implement.
	ErrUnsupported = errors.New("operation not supported by this environment")
)

// Snapshot is the result of a reset or step, and the cached view returned by
// observe.
type Snapshot struct {
	Observation string         `json:"observation"`
	Reward      float64        `json:"reward"`
	Done        bool           `json:"done"`
	Truncated   bool           `json:"truncated,omitempty"`
	Info        map[string]any `json:"info,omitempty"`
}

// Target selects the task an environment resets to.
type Target struct {
	// Index is the task index in the catalog. Nil means the simulator default.
	Index   *int              `json:"index,omitempty"`
	Seed    *int64            `json:"seed,omitempty"`
	Options map[string]string `json:"options,omitempty"`
}

// IndexTarget is shorthand for a target that only carries an index.
func IndexTarget(idx int) Target {
	return Target{Index: &idx}
}

// Params are creation parameters passed through from the create call.
type Params map[string]any

// String returns the value of key when it holds a string.
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Env is one simulator instance owned by exactly one session.
//
// Contract:
//   - Concurrency: callers serialize all calls on one Env.
//   - Errors: Reset wraps ErrInvalidTarget for unknown targets; any other
//     error is an upstream failure of the simulator.
//   - Context: implementations that block must honor cancellation.
type Env interface {
	Reset(ctx context.Context, target Target) (Snapshot, error)
	Step(ctx context.Context, action string) (Snapshot, error)
	Close(ctx context.Context) error
}

// Inspector is implemented by environments that expose extra read-only
// queries beyond the cached observation.
type Inspector interface {
	Metadata(ctx context.Context) (map[string]any, error)
	Page(ctx context.Context) (map[string]any, error)
}

// Turn is one action of an episode together with the observation it produced.
type Turn struct {
	Action      string `json:"action"`
	Observation string `json:"observation"`
}

// Evaluator is implemented by environments whose reward is only known once
// the episode ends and the whole trajectory can be scored.
type Evaluator interface {
	Evaluate(ctx context.Context, trajectory []Turn) (float64, error)
}

// Factory constructs environments of one kind.
//
// New returns a non-nil snapshot when the environment comes up already reset,
// in which case the session starts out ready.
type Factory interface {
	Kind() string
	New(ctx context.Context, params Params) (Env, *Snapshot, error)
}
