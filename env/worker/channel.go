package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lifecycle is the shutdown state of a channel.
type Lifecycle int

const (
	LifecycleRunning Lifecycle = iota
	LifecycleCloseRequested
	LifecycleTerminating
	LifecycleTerminated
	LifecycleKilled
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleRunning:
		return "running"
	case LifecycleCloseRequested:
		return "close-requested"
	case LifecycleTerminating:
		return "terminating"
	case LifecycleTerminated:
		return "terminated"
	case LifecycleKilled:
		return "killed"
	default:
		return fmt.Sprintf("lifecycle(%d)", int(l))
	}
}

// Channel is the caller side of one worker. Calls are strictly sequential:
// one command is written, then exactly one response line is read before the
// next command may be sent.
type Channel struct {
	id   string
	proc Process
	cfg  Config
	log  *zap.Logger

	toWorker   io.WriteCloser
	fromWorker io.ReadCloser
	inbox      chan []byte
	readerDone chan struct{}
	stop       chan struct{}
	stderr     *stderrTail

	mu      sync.Mutex
	state   Lifecycle
	suspect error
}

// NewChannel connects to a worker that is already running behind proc.
// toWorker carries commands and fromWorker carries responses.
func NewChannel(proc Process, toWorker io.WriteCloser, fromWorker io.ReadCloser, cfg Config) *Channel {
	return newChannel(uuid.NewString(), proc, toWorker, fromWorker, cfg)
}

func newChannel(id string, proc Process, toWorker io.WriteCloser, fromWorker io.ReadCloser, cfg Config) *Channel {
	c := &Channel{
		id:         id,
		proc:       proc,
		cfg:        cfg.withDefaults(),
		toWorker:   toWorker,
		fromWorker: fromWorker,
		inbox:      make(chan []byte, inboxSize),
		readerDone: make(chan struct{}),
		stop:       make(chan struct{}),
		stderr:     &stderrTail{},
	}
	c.log = Logger().With(zap.String("worker_id", id), zap.Int("pid", proc.Pid()))
	go c.readLoop()
	return c
}

// ID returns the worker instance id.
func (c *Channel) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Channel) State() Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Alive reports whether the worker process is still running.
func (c *Channel) Alive() bool {
	select {
	case <-c.proc.Done():
		return false
	default:
		return true
	}
}

// readLoop moves response lines into the inbox until the worker's stdout
// closes.
func (c *Channel) readLoop() {
	defer close(c.readerDone)
	defer close(c.inbox)

	scanner := bufio.NewScanner(c.fromWorker)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		select {
		case c.inbox <- append([]byte(nil), line...):
		case <-c.stop:
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.log.Debug("worker stdout ended", zap.Error(err))
	}
}

// Call sends cmd and waits for its response. The result is decoded into out
// unless out is nil.
//
// Errors:
//   - ErrWorkerUnavailable when the process is gone or the pipes are broken
//   - ErrProtocol for malformed, unexpected or late responses and timeouts
//   - *RemoteError when the worker reported a failure
func (c *Channel) Call(ctx context.Context, cmd Command, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.usableLocked(); err != nil {
		return err
	}
	raw, err := c.roundTripLocked(ctx, cmd, c.cfg.CallTimeout)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.markSuspectLocked(fmt.Errorf("%w: decode %s result: %v", ErrProtocol, cmd.Tag(), err))
		return c.suspect
	}
	return nil
}

func (c *Channel) usableLocked() error {
	if c.state != LifecycleRunning {
		return fmt.Errorf("%w: channel is %s", ErrWorkerUnavailable, c.state)
	}
	if c.suspect != nil {
		return fmt.Errorf("%w: channel is suspect after: %v", ErrProtocol, c.suspect)
	}
	if !c.Alive() {
		return c.unavailable("process exited")
	}
	return nil
}

func (c *Channel) roundTripLocked(ctx context.Context, cmd Command, timeout time.Duration) (json.RawMessage, error) {
	// Anything already queued was never asked for.
	select {
	case line, ok := <-c.inbox:
		if !ok {
			return nil, c.unavailable("stdout closed")
		}
		c.markSuspectLocked(fmt.Errorf("%w: unsolicited line before %s (%d bytes)", ErrProtocol, cmd.Tag(), len(line)))
		return nil, c.suspect
	default:
	}

	line, err := EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	if _, err := c.toWorker.Write(append(line, '\n')); err != nil {
		c.markSuspectLocked(err)
		return nil, c.unavailable(fmt.Sprintf("write %s: %v", cmd.Tag(), err))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case line, ok := <-c.inbox:
		if !ok {
			return nil, c.unavailable(fmt.Sprintf("stdout closed while waiting for %s", cmd.Tag()))
		}
		resp, err := decodeResponse(line)
		if err != nil {
			c.markSuspectLocked(err)
			return nil, err
		}
		if resp.Error != nil {
			if resp.Error.Kind == KindProtocol {
				c.markSuspectLocked(resp.Error)
			}
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		err := fmt.Errorf("%w: %w: %s after %s", ErrProtocol, ErrTimeout, cmd.Tag(), timeout)
		if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %s abandoned: %v", ErrProtocol, cmd.Tag(), ctx.Err())
		}
		c.markSuspectLocked(err)
		return nil, err
	}
}

func (c *Channel) markSuspectLocked(err error) {
	if c.suspect == nil {
		c.suspect = err
		c.log.Warn("channel marked suspect", zap.Error(err))
	}
}

func (c *Channel) unavailable(reason string) error {
	tail := c.stderr.String()
	if tail != "" {
		return fmt.Errorf("%w: %s; stderr: %s", ErrWorkerUnavailable, reason, tail)
	}
	return fmt.Errorf("%w: %s", ErrWorkerUnavailable, reason)
}

// Close runs the shutdown sequence: request close and wait for the ack,
// drain residual lines, close both pipes, send SIGTERM, wait the grace
// period, then kill the process group. Every step is bounded and best effort.
// Close is idempotent and returns the final lifecycle state.
func (c *Channel) Close(ctx context.Context) Lifecycle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != LifecycleRunning {
		return c.state
	}
	c.state = LifecycleCloseRequested

	if c.suspect == nil && c.Alive() {
		if _, err := c.roundTripLocked(ctx, Close{}, c.cfg.AckTimeout); err != nil {
			c.log.Warn("close not acknowledged", zap.Error(err))
		}
	}

	c.drainLocked(ctx)
	close(c.stop)

	if err := c.toWorker.Close(); err != nil {
		c.log.Debug("close stdin", zap.Error(err))
	}
	if err := c.fromWorker.Close(); err != nil {
		c.log.Debug("close stdout", zap.Error(err))
	}

	c.state = LifecycleTerminating
	c.state = c.terminateLocked(ctx)
	c.log.Info("worker closed", zap.Stringer("state", c.state))
	return c.state
}

// drainLocked discards lines until none arrives within the drain timeout.
func (c *Channel) drainLocked(ctx context.Context) {
	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()

	for {
		select {
		case line, ok := <-c.inbox:
			if !ok {
				return
			}
			c.log.Debug("drained residual line", zap.Int("bytes", len(line)))
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(c.cfg.DrainTimeout)
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) terminateLocked(ctx context.Context) Lifecycle {
	if !c.Alive() {
		return LifecycleTerminated
	}

	if err := c.proc.Terminate(); err != nil {
		c.log.Debug("terminate", zap.Error(err))
	}
	if c.waitExit(ctx, c.cfg.GracePeriod) {
		return LifecycleTerminated
	}

	c.log.Warn("worker ignored terminate, killing", zap.Duration("grace", c.cfg.GracePeriod))
	if err := c.proc.Kill(); err != nil {
		c.log.Warn("kill", zap.Error(err))
	}
	if !c.waitExit(context.WithoutCancel(ctx), c.cfg.KillWait) {
		c.log.Error("worker still running after kill")
	}
	return LifecycleKilled
}

func (c *Channel) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-c.proc.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
