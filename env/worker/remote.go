package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/wricardo/mcp-training/envserver/env/sim"
)

// RemoteEnv runs a sim.Env inside a worker process. It implements sim.Env
// and sim.Inspector on top of a Channel.
//
// When a step ends the episode, RemoteEnv asks the worker to evaluate the
// trajectory and reports that score as the step reward. A failed evaluation
// still ends the episode with reward 0 and the failure in Info.
type RemoteEnv struct {
	ch         *Channel
	trajectory []sim.Turn
}

// NewRemoteEnv wraps ch.
func NewRemoteEnv(ch *Channel) *RemoteEnv {
	return &RemoteEnv{ch: ch}
}

// Channel returns the underlying channel.
func (e *RemoteEnv) Channel() *Channel { return e.ch }

func (e *RemoteEnv) Reset(ctx context.Context, target sim.Target) (sim.Snapshot, error) {
	var snap sim.Snapshot
	if err := e.ch.Call(ctx, ResetFromTarget(target), &snap); err != nil {
		return sim.Snapshot{}, err
	}
	e.trajectory = e.trajectory[:0]
	return snap, nil
}

func (e *RemoteEnv) Step(ctx context.Context, action string) (sim.Snapshot, error) {
	var snap sim.Snapshot
	if err := e.ch.Call(ctx, Step{Action: action}, &snap); err != nil {
		return sim.Snapshot{}, err
	}
	e.trajectory = append(e.trajectory, sim.Turn{Action: action, Observation: snap.Observation})

	if snap.Done {
		var res EvalResult
		err := e.ch.Call(ctx, Evaluate{Trajectory: e.trajectory}, &res)
		switch {
		case errors.Is(err, ErrWorkerUnavailable), errors.Is(err, ErrProtocol):
			return sim.Snapshot{}, fmt.Errorf("evaluate: %w", err)
		case err != nil:
			// The worker's episode is over either way; it scores zero.
			Logger().Warn("trajectory evaluation failed", zap.String("worker_id", e.ch.ID()), zap.Error(err))
			if snap.Info == nil {
				snap.Info = map[string]any{}
			}
			snap.Info["evaluation_error"] = err.Error()
			snap.Reward = 0
		default:
			snap.Reward = res.Score
		}
	}
	return snap, nil
}

func (e *RemoteEnv) Metadata(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := e.ch.Call(ctx, QueryMetadata{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *RemoteEnv) Page(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := e.ch.Call(ctx, QueryPage{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close runs the channel shutdown sequence. It reports an error only when the
// worker had to be killed.
func (e *RemoteEnv) Close(ctx context.Context) error {
	if state := e.ch.Close(ctx); state == LifecycleKilled {
		return fmt.Errorf("worker %s was killed", e.ch.ID())
	}
	return nil
}

// SpawnFunc starts a worker for one session.
type SpawnFunc func(ctx context.Context) (*Channel, error)

// Factory builds isolated environments of one kind, one worker process per
// environment.
type Factory struct {
	kind  string
	spawn SpawnFunc
	// initialReset sends a default reset right after spawning so the
	// session starts out ready.
	initialReset bool
}

// NewFactory returns a factory for kind.
func NewFactory(kind string, spawn SpawnFunc, initialReset bool) *Factory {
	return &Factory{kind: kind, spawn: spawn, initialReset: initialReset}
}

// ExecSpawner returns a SpawnFunc that starts spec with cfg.
func ExecSpawner(spec Spec, cfg Config) SpawnFunc {
	return func(ctx context.Context) (*Channel, error) {
		return Spawn(ctx, spec, cfg)
	}
}

func (f *Factory) Kind() string { return f.kind }

func (f *Factory) New(ctx context.Context, _ sim.Params) (sim.Env, *sim.Snapshot, error) {
	ch, err := f.spawn(ctx)
	if err != nil {
		return nil, nil, err
	}
	env := NewRemoteEnv(ch)
	if !f.initialReset {
		return env, nil, nil
	}

	snap, err := env.Reset(ctx, sim.Target{})
	if err != nil {
		Logger().Warn("initial reset failed", zap.String("kind", f.kind), zap.String("worker_id", ch.ID()), zap.Error(err))
		ch.Close(context.WithoutCancel(ctx))
		return nil, nil, err
	}
	return env, &snap, nil
}
