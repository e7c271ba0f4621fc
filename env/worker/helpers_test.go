package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/wricardo/mcp-training/envserver/env/sim"
)

// counterEnv counts "inc" actions and ends the episode at three.
type counterEnv struct {
	mu      sync.Mutex
	n       int
	closed  bool
	release chan struct{}
}

func newCounterEnv() *counterEnv {
	return &counterEnv{release: make(chan struct{})}
}

func (e *counterEnv) snapshot() sim.Snapshot {
	return sim.Snapshot{
		Observation: fmt.Sprintf("count %d", e.n),
		Reward:      float64(e.n) / 10,
		Done:        e.n >= 3,
	}
}

func (e *counterEnv) Reset(_ context.Context, target sim.Target) (sim.Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if target.Index != nil && *target.Index > 10 {
		return sim.Snapshot{}, fmt.Errorf("%w: index %d", sim.ErrInvalidTarget, *target.Index)
	}
	e.n = 0
	return e.snapshot(), nil
}

func (e *counterEnv) Step(_ context.Context, action string) (sim.Snapshot, error) {
	switch action {
	case "panic":
		panic("boom")
	case "fail":
		return sim.Snapshot{}, errors.New("simulator exploded")
	case "block":
		<-e.release
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.n++
	return e.snapshot(), nil
}

func (e *counterEnv) Evaluate(_ context.Context, trajectory []sim.Turn) (float64, error) {
	return float64(len(trajectory)), nil
}

func (e *counterEnv) Close(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *counterEnv) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// pipeProcess stands in for a worker process whose receive loop runs in a
// goroutine. Terminate and Kill break its pipes.
type pipeProcess struct {
	done       chan struct{}
	once       sync.Once
	breakPipes func()
	// ignoreTerm makes Terminate a no-op so only Kill ends the process.
	ignoreTerm bool

	mu         sync.Mutex
	terminated bool
	killed     bool
}

func (p *pipeProcess) Done() <-chan struct{} { return p.done }

func (p *pipeProcess) Pid() int { return 0 }

func (p *pipeProcess) exit() { p.once.Do(func() { close(p.done) }) }

func (p *pipeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if !p.ignoreTerm {
		p.breakPipes()
	}
	return nil
}

func (p *pipeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.breakPipes()
	p.exit()
	return nil
}

// startPipeWorker runs Serve over in-memory pipes and returns the caller side.
func startPipeWorker(t *testing.T, target Target, cfg Config) (*Channel, *pipeProcess) {
	t.Helper()

	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()
	proc := &pipeProcess{done: make(chan struct{})}
	proc.breakPipes = func() {
		_ = cmdR.CloseWithError(io.ErrClosedPipe)
		_ = respW.CloseWithError(io.EOF)
	}

	go func() {
		_ = Serve(context.Background(), cmdR, respW, target)
		proc.breakPipes()
		proc.exit()
	}()

	ch := NewChannel(proc, cmdW, respR, cfg)
	t.Cleanup(func() {
		ch.Close(context.Background())
	})
	return ch, proc
}

// startRawWorker connects a channel to a hand-written worker loop.
func startRawWorker(t *testing.T, cfg Config, loop func(cmds io.Reader, resp io.Writer)) (*Channel, *pipeProcess) {
	t.Helper()

	cmdR, cmdW := io.Pipe()
	respR, respW := io.Pipe()
	proc := &pipeProcess{done: make(chan struct{})}
	proc.breakPipes = func() {
		_ = cmdR.CloseWithError(io.ErrClosedPipe)
		_ = respW.CloseWithError(io.EOF)
	}

	go func() {
		loop(cmdR, respW)
		<-proc.done
	}()

	ch := NewChannel(proc, cmdW, respR, cfg)
	t.Cleanup(func() {
		proc.Kill()
	})
	return ch, proc
}

func fastConfig() Config {
	return Config{
		CallTimeout:  2 * time.Second,
		AckTimeout:   500 * time.Millisecond,
		DrainTimeout: 50 * time.Millisecond,
		GracePeriod:  200 * time.Millisecond,
		KillWait:     200 * time.Millisecond,
	}
}
