package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wricardo/mcp-training/envserver/env/session"
	"github.com/wricardo/mcp-training/envserver/env/sim"
	"github.com/wricardo/mcp-training/envserver/env/worker"
)

// entry is the resource stored in the table for one session. Holding sem
// serializes every simulator call on env.
type entry struct {
	sem chan struct{}
	env sim.Env

	mu     sync.Mutex
	cancel context.CancelFunc // of the call in flight
}

func newEntry(env sim.Env) *entry {
	return &entry{sem: make(chan struct{}, 1), env: env}
}

func (e *entry) lock(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	default:
	}
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) unlock() { <-e.sem }

// begin returns the context for one simulator call. interrupt cancels it.
func (e *entry) begin(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	return callCtx, func() {
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		cancel()
	}
}

func (e *entry) interrupt() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Manager implements EnvService over a session.Table and a sim.Registry.
type Manager struct {
	cfg      Config
	table    *session.Table
	registry *sim.Registry
	log      *zap.Logger
}

var _ EnvService = (*Manager)(nil)

// NewManager creates a manager. log may be nil.
func NewManager(cfg Config, registry *sim.Registry, log *zap.Logger) (*Manager, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	alloc, err := session.NewAllocator(cfg.Allocator)
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg.withDefaults(),
		table:    session.NewTable(alloc),
		registry: registry,
		log:      log,
	}, nil
}

// Kinds lists the environment kinds that can be created.
func (m *Manager) Kinds() []string {
	return m.registry.Kinds()
}

// Create starts a session of kind, or of the default kind when kind is empty.
// Under the round-robin overflow mode a full table hands back an existing
// live handle instead, and no simulator is created.
func (m *Manager) Create(ctx context.Context, kind string, params sim.Params) (session.Handle, error) {
	if kind == "" {
		kind = m.cfg.DefaultKind
	}
	if kind == "" {
		return 0, fmt.Errorf("%w: environment kind is required", ErrInvalidArgument)
	}
	factory, err := m.registry.Get(kind)
	if err != nil {
		return 0, err
	}

	h, fresh, err := m.table.Reserve(kind)
	if err != nil {
		return 0, err
	}
	if !fresh {
		m.log.Info("session shared", zap.Stringer("handle", h), zap.String("kind", kind))
		return h, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	env, snap, err := factory.New(callCtx, params)
	cancel()
	if err != nil {
		_, _ = m.table.Remove(h)
		m.log.Warn("session create failed", zap.Stringer("handle", h), zap.String("kind", kind), zap.Error(err))
		if isWorkerFailure(err) {
			return 0, err
		}
		return 0, &UpstreamError{Handle: h, Op: "create", Err: err}
	}

	e := newEntry(env)
	if err := m.table.Attach(h, e, snap); err != nil {
		// Closed while starting.
		m.closeEnv(ctx, h, env)
		return 0, err
	}

	state := session.StateUninitialized
	if snap != nil {
		state = session.StateReady
	}
	m.log.Info("session created", zap.Stringer("handle", h), zap.String("kind", kind), zap.Stringer("state", state))
	return h, nil
}

// acquire validates op on h and locks the session. The state is checked
// again once the lock is held since a concurrent call may have changed it.
func (m *Manager) acquire(ctx context.Context, h session.Handle, op session.Op) (*entry, error) {
	rec, err := m.table.Check(h, op)
	if err != nil {
		return nil, err
	}
	e, ok := rec.Resource.(*entry)
	if !ok {
		return nil, fmt.Errorf("%w: %s is still starting", session.ErrNotInitialized, h)
	}

	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	rec, err = m.table.Check(h, op)
	if err != nil {
		e.unlock()
		return nil, err
	}
	if rec.Resource != e {
		e.unlock()
		return nil, fmt.Errorf("%w: %s", session.ErrHandleNotFound, h)
	}
	return e, nil
}

// fail turns a simulator error into the error returned to the caller. Worker
// failures force-close the session. The caller holds the session lock.
func (m *Manager) fail(ctx context.Context, h session.Handle, e *entry, op string, err error) error {
	if isWorkerFailure(err) {
		m.log.Warn("worker failed, closing session",
			zap.Stringer("handle", h), zap.String("op", op), zap.Error(err))
		if _, rmErr := m.table.RemoveOwned(h, e); rmErr == nil {
			m.closeEnv(ctx, h, e.env)
		}
		return err
	}
	if errors.Is(err, sim.ErrUnsupported) {
		return err
	}
	return &UpstreamError{Handle: h, Op: op, Err: err}
}

// Step sends action to the session. A step that ends the episode moves the
// session to done; further steps fail until a reset.
func (m *Manager) Step(ctx context.Context, h session.Handle, action string) (*StepResult, error) {
	e, err := m.acquire(ctx, h, session.OpStep)
	if err != nil {
		return nil, err
	}
	defer e.unlock()

	callCtx, done := e.begin(ctx, m.cfg.CallTimeout)
	defer done()
	snap, err := e.env.Step(callCtx, action)
	if err != nil {
		return nil, m.fail(ctx, h, e, "step", err)
	}

	event := session.EventStep
	if snap.Done {
		event = session.EventEpisodeEnd
	}
	state, err := m.table.Transition(h, event, &snap)
	if err != nil {
		return nil, err
	}

	m.log.Debug("step",
		zap.Stringer("handle", h),
		zap.String("action", action),
		zap.Float64("reward", snap.Reward),
		zap.Bool("done", snap.Done))
	return &StepResult{Handle: h, State: state, Snapshot: snap}, nil
}

// Reset loads target into the session. An invalid target leaves the session
// uninitialized and returns an error wrapping sim.ErrInvalidTarget.
func (m *Manager) Reset(ctx context.Context, h session.Handle, target sim.Target) (*ResetResult, error) {
	e, err := m.acquire(ctx, h, session.OpReset)
	if err != nil {
		return nil, err
	}
	defer e.unlock()

	callCtx, done := e.begin(ctx, m.cfg.CallTimeout)
	defer done()
	snap, err := e.env.Reset(callCtx, target)
	if errors.Is(err, sim.ErrInvalidTarget) && !isWorkerFailure(err) {
		if _, tErr := m.table.Transition(h, session.EventResetInvalid, &sim.Snapshot{}); tErr != nil {
			return nil, tErr
		}
		m.log.Info("reset to invalid target", zap.Stringer("handle", h), zap.Error(err))
		return nil, err
	}
	if err != nil {
		return nil, m.fail(ctx, h, e, "reset", err)
	}

	state, err := m.table.Transition(h, session.EventReset, &snap)
	if err != nil {
		return nil, err
	}
	m.log.Debug("reset", zap.Stringer("handle", h))
	return &ResetResult{Handle: h, State: state, Snapshot: snap}, nil
}

// Observe returns the cached snapshot without calling the simulator.
func (m *Manager) Observe(_ context.Context, h session.Handle) (*Observation, error) {
	rec, err := m.table.Check(h, session.OpObserve)
	if err != nil {
		return nil, err
	}
	_ = m.table.Touch(h)
	return &Observation{Handle: h, State: rec.State, Snapshot: rec.Last}, nil
}

// Close removes the session and shuts its simulator down. Unknown or already
// closed handles return false with an error.
func (m *Manager) Close(ctx context.Context, h session.Handle) (bool, error) {
	rec, err := m.table.Remove(h)
	if err != nil {
		return false, err
	}
	if e, ok := rec.Resource.(*entry); ok {
		e.interrupt()
		lockCtx, cancel := context.WithTimeout(ctx, m.cfg.CloseTimeout)
		err := e.lock(lockCtx)
		cancel()
		if err != nil {
			// A call that ignores cancellation still holds the session.
			m.log.Warn("session busy, closing once its call returns", zap.Stringer("handle", h), zap.Error(err))
			go func() {
				_ = e.lock(context.Background())
				defer e.unlock()
				m.closeEnv(context.Background(), h, e.env)
			}()
		} else {
			m.closeEnv(ctx, h, e.env)
			e.unlock()
		}
	}
	m.log.Info("session closed", zap.Stringer("handle", h), zap.String("kind", rec.Kind))
	return true, nil
}

func (m *Manager) closeEnv(ctx context.Context, h session.Handle, env sim.Env) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CloseTimeout)
	defer cancel()
	if err := env.Close(closeCtx); err != nil {
		m.log.Warn("session close failed", zap.Stringer("handle", h), zap.Error(err))
	}
}

// Detail describes one live session in any state.
func (m *Manager) Detail(_ context.Context, h session.Handle) (*SessionInfo, error) {
	rec, err := m.table.Lookup(h)
	if err != nil {
		return nil, err
	}
	return describe(rec), nil
}

// List describes all live sessions in creation order.
func (m *Manager) List(context.Context) ([]*SessionInfo, error) {
	records := m.table.List()
	out := make([]*SessionInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, describe(rec))
	}
	return out, nil
}

// Metadata asks the simulator for its metadata query. Simulators that do not
// implement sim.Inspector fail with sim.ErrUnsupported.
func (m *Manager) Metadata(ctx context.Context, h session.Handle) (map[string]any, error) {
	return m.inspect(ctx, h, "metadata", sim.Inspector.Metadata)
}

// Page asks the simulator for its page query.
func (m *Manager) Page(ctx context.Context, h session.Handle) (map[string]any, error) {
	return m.inspect(ctx, h, "page", sim.Inspector.Page)
}

func (m *Manager) inspect(ctx context.Context, h session.Handle, op string,
	query func(sim.Inspector, context.Context) (map[string]any, error)) (map[string]any, error) {
	e, err := m.acquire(ctx, h, session.OpObserve)
	if err != nil {
		return nil, err
	}
	defer e.unlock()

	inspector, ok := e.env.(sim.Inspector)
	if !ok {
		return nil, fmt.Errorf("%s on %s: %w", op, h, sim.ErrUnsupported)
	}

	callCtx, done := e.begin(ctx, m.cfg.CallTimeout)
	defer done()
	out, err := query(inspector, callCtx)
	if err != nil {
		return nil, m.fail(ctx, h, e, op, err)
	}
	_ = m.table.Touch(h)
	return out, nil
}

// Sweep closes sessions idle for longer than Config.MaxIdle and returns how
// many were closed.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.cfg.MaxIdle <= 0 {
		return 0
	}
	closed := 0
	for _, h := range m.table.Expired(m.cfg.MaxIdle) {
		if ok, _ := m.Close(ctx, h); ok {
			m.log.Info("expired session closed", zap.Stringer("handle", h), zap.Duration("max_idle", m.cfg.MaxIdle))
			closed++
		}
	}
	return closed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Shutdown closes every live session concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	records := m.table.List()
	m.log.Info("closing all sessions", zap.Int("count", len(records)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(shutdownParallelism)
	for _, rec := range records {
		h := rec.Handle
		g.Go(func() error {
			if _, err := m.Close(gctx, h); err != nil && !errors.Is(err, session.ErrHandleNotFound) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int { return m.table.Len() }

// describe builds the session info for rec, including the worker of isolated
// sessions.
func describe(rec session.Record) *SessionInfo {
	info := infoFromRecord(rec)
	e, ok := rec.Resource.(*entry)
	if !ok {
		return info
	}
	if remote, ok := e.env.(*worker.RemoteEnv); ok {
		info.WorkerID = remote.Channel().ID()
		info.Worker = remote.Channel().State().String()
	}
	return info
}
