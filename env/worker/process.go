package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkerIDEnv carries the worker instance id into the child for log
// correlation.
const WorkerIDEnv = "ENVSERVER_WORKER_ID"

// Process is the OS-level handle of a worker.
type Process interface {
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Terminate asks the process to exit.
	Terminate() error
	// Kill forcibly stops the process and everything it started.
	Kill() error
	Pid() int
}

// Spec describes how to start a worker process.
type Spec struct {
	// Path is the worker binary. Empty means the running executable.
	Path string
	Args []string
	// Env is appended to the parent environment.
	Env []string
	Dir string
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error { return terminateProcess(p.cmd) }

func (p *execProcess) Kill() error { return killProcessGroup(p.cmd) }

// Spawn starts a worker process and returns the channel connected to its
// stdin and stdout. Stderr is logged and its tail kept for diagnostics.
func Spawn(ctx context.Context, spec Spec, cfg Config) (*Channel, error) {
	path := spec.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("%w: resolve executable: %v", ErrWorkerUnavailable, err)
		}
		path = exe
	}

	id := uuid.NewString()
	// The child outlives ctx; only the close sequence may end it.
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append(os.Environ(), spec.Env...), WorkerIDEnv+"="+id)
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}

	if err := ctx.Err(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("%w: %v", ErrWorkerUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrWorkerUnavailable, path, err)
	}

	proc := &execProcess{cmd: cmd, done: make(chan struct{})}
	ch := newChannel(id, proc, stdin, stdout, cfg)
	ch.log.Info("worker started", zap.Int("pid", proc.Pid()), zap.Strings("args", spec.Args))

	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		ch.stderr.consume(stderr, ch.log)
	}()
	go func() {
		// Wait closes the pipes, so both readers must finish first.
		<-ch.readerDone
		stderrDone.Wait()
		proc.waitErr = cmd.Wait()
		ch.log.Debug("worker exited", zap.Error(proc.waitErr))
		close(proc.done)
	}()

	return ch, nil
}

// stderrTail keeps the last bytes a worker wrote to stderr.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func (t *stderrTail) consume(r io.Reader, log *zap.Logger) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			t.append(chunk[:n])
			log.Debug("worker stderr", zap.ByteString("data", chunk[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (t *stderrTail) append(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > stderrTailLimit {
		t.buf = t.buf[len(t.buf)-stderrTailLimit:]
	}
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
