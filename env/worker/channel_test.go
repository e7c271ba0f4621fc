package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/mcp-training/envserver/env/sim"
)

func TestChannel_RoundTrip(t *testing.T) {
	env := newCounterEnv()
	ch, _ := startPipeWorker(t, NewEnvTarget(env, nil), fastConfig())
	remote := NewRemoteEnv(ch)
	ctx := context.Background()

	snap, err := remote.Reset(ctx, sim.IndexTarget(1))
	require.NoError(t, err)
	assert.Equal(t, "count 0", snap.Observation)

	for i := 1; i <= 2; i++ {
		snap, err = remote.Step(ctx, "inc")
		require.NoError(t, err)
		assert.False(t, snap.Done)
	}

	// The final step triggers evaluation of the three-turn trajectory.
	snap, err = remote.Step(ctx, "inc")
	require.NoError(t, err)
	assert.True(t, snap.Done)
	assert.Equal(t, 3.0, snap.Reward)
	assert.Equal(t, "count 3", snap.Observation)
}

func TestChannel_RemoteErrors(t *testing.T) {
	env := newCounterEnv()
	ch, _ := startPipeWorker(t, NewEnvTarget(env, nil), fastConfig())
	ctx := context.Background()

	t.Run("invalid target", func(t *testing.T) {
		err := ch.Call(ctx, Reset{ConfigRef: intPtr(99)}, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, sim.ErrInvalidTarget))
		var re *RemoteError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, KindInvalidTarget, re.Kind)
	})

	t.Run("upstream failure", func(t *testing.T) {
		err := ch.Call(ctx, Step{Action: "fail"}, nil)
		var re *RemoteError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, KindUpstream, re.Kind)
		assert.Contains(t, re.Message, "simulator exploded")
	})

	t.Run("panic is marshaled", func(t *testing.T) {
		err := ch.Call(ctx, Step{Action: "panic"}, nil)
		var re *RemoteError
		require.True(t, errors.As(err, &re))
		assert.Equal(t, KindUpstream, re.Kind)
		assert.Contains(t, re.Message, "boom")
	})

	t.Run("unsupported query", func(t *testing.T) {
		err := ch.Call(ctx, QueryPage{}, nil)
		assert.True(t, errors.Is(err, sim.ErrUnsupported))
	})

	t.Run("channel still usable", func(t *testing.T) {
		var snap sim.Snapshot
		require.NoError(t, ch.Call(ctx, Reset{}, &snap))
		assert.Equal(t, "count 0", snap.Observation)
	})
}

func TestChannel_WorkerCrash(t *testing.T) {
	env := newCounterEnv()
	ch, proc := startPipeWorker(t, NewEnvTarget(env, nil), fastConfig())
	ctx := context.Background()

	require.NoError(t, ch.Call(ctx, Reset{}, nil))

	proc.breakPipes()
	<-proc.Done()

	err := ch.Call(ctx, Step{Action: "inc"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrWorkerUnavailable), "got %v", err)
	assert.False(t, ch.Alive())
}

func TestChannel_CrashWhileWaiting(t *testing.T) {
	ch, _ := startRawWorker(t, fastConfig(), func(cmds io.Reader, resp io.Writer) {
		// Read one command and die without answering.
		bufio.NewReader(cmds).ReadBytes('\n')
		resp.(*io.PipeWriter).CloseWithError(io.EOF)
	})

	err := ch.Call(context.Background(), Step{Action: "inc"}, nil)
	assert.True(t, errors.Is(err, ErrWorkerUnavailable), "got %v", err)
}

func TestChannel_TimeoutMarksSuspect(t *testing.T) {
	env := newCounterEnv()
	t.Cleanup(func() { close(env.release) })

	cfg := fastConfig()
	cfg.CallTimeout = 50 * time.Millisecond
	ch, _ := startPipeWorker(t, NewEnvTarget(env, nil), cfg)
	ctx := context.Background()

	err := ch.Call(ctx, Step{Action: "block"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.True(t, errors.Is(err, ErrTimeout))

	// Never retried: the channel refuses further commands.
	err = ch.Call(ctx, Reset{}, nil)
	assert.True(t, errors.Is(err, ErrProtocol))
}

func TestChannel_UnsolicitedLine(t *testing.T) {
	ch, _ := startRawWorker(t, fastConfig(), func(cmds io.Reader, resp io.Writer) {
		r := bufio.NewReader(cmds)
		r.ReadBytes('\n')
		io.WriteString(resp, `{"result":{"observation":"a"}}`+"\n")
		io.WriteString(resp, `{"result":{"observation":"extra"}}`+"\n")
		io.Copy(io.Discard, r)
	})
	ctx := context.Background()

	var snap sim.Snapshot
	require.NoError(t, ch.Call(ctx, Reset{}, &snap))
	assert.Equal(t, "a", snap.Observation)

	require.Eventually(t, func() bool { return len(ch.inbox) > 0 }, time.Second, 5*time.Millisecond)

	err := ch.Call(ctx, Step{Action: "x"}, nil)
	assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
}

func TestChannel_MalformedResponse(t *testing.T) {
	ch, _ := startRawWorker(t, fastConfig(), func(cmds io.Reader, resp io.Writer) {
		r := bufio.NewReader(cmds)
		r.ReadBytes('\n')
		io.WriteString(resp, "this is not json\n")
		io.Copy(io.Discard, r)
	})

	err := ch.Call(context.Background(), Reset{}, nil)
	assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
	err = ch.Call(context.Background(), Reset{}, nil)
	assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
}

func TestChannel_CloseSequence(t *testing.T) {
	env := newCounterEnv()
	ch, proc := startPipeWorker(t, NewEnvTarget(env, nil), fastConfig())
	ctx := context.Background()

	require.NoError(t, ch.Call(ctx, Reset{}, nil))

	state := ch.Close(ctx)
	assert.Equal(t, LifecycleTerminated, state)
	assert.True(t, env.isClosed())
	assert.False(t, proc.killed)

	// Idempotent.
	assert.Equal(t, LifecycleTerminated, ch.Close(ctx))

	err := ch.Call(ctx, Reset{}, nil)
	assert.True(t, errors.Is(err, ErrWorkerUnavailable))
}

func TestChannel_CloseKillsStubbornWorker(t *testing.T) {
	ch, proc := startRawWorker(t, fastConfig(), func(cmds io.Reader, resp io.Writer) {
		// Swallow everything, answer nothing.
		io.Copy(io.Discard, cmds)
	})
	proc.ignoreTerm = true

	start := time.Now()
	state := ch.Close(context.Background())
	assert.Equal(t, LifecycleKilled, state)
	assert.True(t, proc.terminated)
	assert.True(t, proc.killed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestChannel_CloseAfterCrash(t *testing.T) {
	env := newCounterEnv()
	ch, proc := startPipeWorker(t, NewEnvTarget(env, nil), fastConfig())

	proc.breakPipes()
	<-proc.Done()

	assert.Equal(t, LifecycleTerminated, ch.Close(context.Background()))
	assert.False(t, proc.terminated)
}

func TestFactory_InitialReset(t *testing.T) {
	env := newCounterEnv()
	var spawned *Channel
	f := NewFactory("counter", func(ctx context.Context) (*Channel, error) {
		ch, _ := startPipeWorker(t, NewEnvTarget(env, nil), fastConfig())
		spawned = ch
		return ch, nil
	}, true)

	assert.Equal(t, "counter", f.Kind())
	got, snap, err := f.New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "count 0", snap.Observation)
	assert.Same(t, spawned, got.(*RemoteEnv).Channel())

	require.NoError(t, got.Close(context.Background()))
	assert.True(t, env.isClosed())
}

func TestFactory_SpawnFailure(t *testing.T) {
	f := NewFactory("broken", func(ctx context.Context) (*Channel, error) {
		return nil, ErrWorkerUnavailable
	}, true)

	_, _, err := f.New(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrWorkerUnavailable))
}

func intPtr(v int) *int { return &v }
