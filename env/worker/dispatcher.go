package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wricardo/mcp-training/envserver/env/sim"
)

// Target is the environment a worker process serves.
type Target interface {
	Reset(ctx context.Context, cmd Reset) (sim.Snapshot, error)
	Step(ctx context.Context, action string) (sim.Snapshot, error)
	Metadata(ctx context.Context) (map[string]any, error)
	Page(ctx context.Context) (map[string]any, error)
	Evaluate(ctx context.Context, trajectory []sim.Turn) (float64, error)
	Close(ctx context.Context) error
}

// EnvTarget serves a sim.Env over the worker protocol. Metadata and page
// queries need the env to implement sim.Inspector; evaluation uses
// sim.Evaluator when present and the last reward otherwise.
type EnvTarget struct {
	env  sim.Env
	last sim.Snapshot
}

// NewEnvTarget wraps env. initial is the snapshot the env came up with, if any.
func NewEnvTarget(env sim.Env, initial *sim.Snapshot) *EnvTarget {
	t := &EnvTarget{env: env}
	if initial != nil {
		t.last = *initial
	}
	return t
}

func (t *EnvTarget) Reset(ctx context.Context, cmd Reset) (sim.Snapshot, error) {
	snap, err := t.env.Reset(ctx, cmd.Target())
	if err == nil {
		t.last = snap
	}
	return snap, err
}

func (t *EnvTarget) Step(ctx context.Context, action string) (sim.Snapshot, error) {
	snap, err := t.env.Step(ctx, action)
	if err == nil {
		t.last = snap
	}
	return snap, err
}

func (t *EnvTarget) Metadata(ctx context.Context) (map[string]any, error) {
	if in, ok := t.env.(sim.Inspector); ok {
		return in.Metadata(ctx)
	}
	return nil, sim.ErrUnsupported
}

func (t *EnvTarget) Page(ctx context.Context) (map[string]any, error) {
	if in, ok := t.env.(sim.Inspector); ok {
		return in.Page(ctx)
	}
	return nil, sim.ErrUnsupported
}

func (t *EnvTarget) Evaluate(ctx context.Context, trajectory []sim.Turn) (float64, error) {
	if ev, ok := t.env.(sim.Evaluator); ok {
		return ev.Evaluate(ctx, trajectory)
	}
	return t.last.Reward, nil
}

func (t *EnvTarget) Close(ctx context.Context) error {
	return t.env.Close(ctx)
}

// Serve is the worker receive loop. It reads one command per line from r,
// dispatches it to target and writes exactly one response line to w before
// reading the next command. It returns after acknowledging close or when r
// reaches EOF; either way the target is closed.
func Serve(ctx context.Context, r io.Reader, w io.Writer, target Target) error {
	log := Logger()
	defer func() {
		if err := target.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("target close failed", zap.Error(err))
		}
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	out := bufio.NewWriter(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		cmd, err := DecodeCommand(line)
		var resp []byte
		if err != nil {
			log.Warn("rejected command", zap.Int("bytes", len(line)), zap.Error(err))
			resp, err = encodeError(err)
		} else {
			log.Debug("command", zap.String("tag", string(cmd.Tag())))
			resp, err = dispatch(ctx, target, cmd)
		}
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}

		if _, err := out.Write(append(resp, '\n')); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := out.Flush(); err != nil {
			return fmt.Errorf("flush response: %w", err)
		}

		if cmd != nil && cmd.Tag() == TagClose {
			log.Debug("close acknowledged")
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read command: %w", err)
	}
	return nil
}

// dispatch runs one command. Errors and panics raised by the target are
// returned to the caller as error responses.
func dispatch(ctx context.Context, target Target, cmd Command) (resp []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("target panicked",
				zap.String("tag", string(cmd.Tag())),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			resp, err = encodeError(fmt.Errorf("%s panicked: %v", cmd.Tag(), r))
		}
	}()

	var result any
	switch c := cmd.(type) {
	case Reset:
		result, err = target.Reset(ctx, c)
	case Step:
		result, err = target.Step(ctx, c.Action)
	case QueryMetadata:
		result, err = target.Metadata(ctx)
	case QueryPage:
		result, err = target.Page(ctx)
	case Evaluate:
		var score float64
		score, err = target.Evaluate(ctx, c.Trajectory)
		result = EvalResult{Score: score}
	case Close:
		result = CloseAck{Closed: true}
	default:
		err = fmt.Errorf("%w: unhandled command %T", ErrProtocol, cmd)
	}

	if err != nil {
		if !errors.Is(err, sim.ErrInvalidTarget) {
			Logger().Warn("command failed", zap.String("tag", string(cmd.Tag())), zap.Error(err))
		}
		return encodeError(err)
	}
	return encodeResult(result)
}
