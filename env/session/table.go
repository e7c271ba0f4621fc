package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/wricardo/mcp-training/envserver/env/sim"
)

// Record is a point-in-time copy of one session's metadata.
type Record struct {
	Handle         Handle       `json:"handle"`
	Kind           string       `json:"kind"`
	State          State        `json:"state"`
	Resource       any          `json:"-"`
	Last           sim.Snapshot `json:"last"`
	Steps          int          `json:"steps"`
	Resets         int          `json:"resets"`
	CreatedAt      time.Time    `json:"created_at"`
	LastAccessedAt time.Time    `json:"last_accessed_at"`
}

// Table maps handles to session records. All mutation happens under one
// table-wide lock which is never held across a simulator call.
type Table struct {
	mu      sync.RWMutex
	alloc   Allocator
	entries map[Handle]*Record
	order   []Handle
	now     func() time.Time
}

// NewTable creates an empty table that draws handles from alloc.
func NewTable(alloc Allocator) *Table {
	return &Table{
		alloc:   alloc,
		entries: make(map[Handle]*Record),
		now:     time.Now,
	}
}

// liveView exposes the table to the allocator. Callers hold t.mu.
type liveView struct{ t *Table }

func (v liveView) Len() int { return len(v.t.order) }

func (v liveView) Contains(h Handle) bool {
	_, ok := v.t.entries[h]
	return ok
}

func (v liveView) At(i int) Handle { return v.t.order[i] }

// Reserve allocates a handle. For a fresh handle it inserts an uninitialized
// placeholder whose resource is attached later with Attach. When the
// allocator recycles a live handle, fresh is false and nothing is inserted.
func (t *Table) Reserve(kind string) (Handle, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, fresh, err := t.alloc.Allocate(liveView{t})
	if err != nil {
		return 0, false, err
	}
	if !fresh {
		if rec, ok := t.entries[h]; ok {
			rec.LastAccessedAt = t.now()
		}
		return h, false, nil
	}
	if _, exists := t.entries[h]; exists {
		return 0, false, fmt.Errorf("%w: %s", ErrHandleExists, h)
	}
	t.insertLocked(h, kind, nil, StateUninitialized)
	return h, true, nil
}

// Insert records a new entry under an explicit handle.
func (t *Table) Insert(h Handle, kind string, resource any, state State) error {
	if state == StateDeleted {
		return fmt.Errorf("%w: cannot insert a deleted session", ErrInvalidState)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[h]; exists {
		return fmt.Errorf("%w: %s", ErrHandleExists, h)
	}
	t.insertLocked(h, kind, resource, state)
	return nil
}

func (t *Table) insertLocked(h Handle, kind string, resource any, state State) {
	now := t.now()
	t.entries[h] = &Record{
		Handle:         h,
		Kind:           kind,
		State:          state,
		Resource:       resource,
		CreatedAt:      now,
		LastAccessedAt: now,
	}
	t.order = append(t.order, h)
}

// Attach sets the resource of a reserved record. A non-nil snapshot means the
// resource came up fully reset and moves the record to ready.
func (t *Table) Attach(h Handle, resource any, snap *sim.Snapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.entries[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandleNotFound, h)
	}
	if rec.Resource != nil {
		return fmt.Errorf("%w: %s already has a resource", ErrInvalidState, h)
	}
	rec.Resource = resource
	if snap != nil {
		next, err := Next(rec.State, EventReset)
		if err != nil {
			return err
		}
		rec.State = next
		rec.Last = *snap
	}
	rec.LastAccessedAt = t.now()
	return nil
}

// Lookup returns the record for h in any live state.
func (t *Table) Lookup(h Handle) (Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.entries[h]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrHandleNotFound, h)
	}
	return *rec, nil
}

// Get returns the record for h, failing with ErrNotInitialized when the
// session never left the uninitialized state.
func (t *Table) Get(h Handle) (Record, error) {
	rec, err := t.Lookup(h)
	if err != nil {
		return Record{}, err
	}
	if rec.State == StateUninitialized {
		return Record{}, fmt.Errorf("%w: %s", ErrNotInitialized, h)
	}
	return rec, nil
}

// Check validates op against the current state of h.
func (t *Table) Check(h Handle, op Op) (Record, error) {
	rec, err := t.Lookup(h)
	if err != nil {
		return Record{}, err
	}
	if err := Allowed(rec.State, op); err != nil {
		return Record{}, fmt.Errorf("%s on %s: %w", op, h, err)
	}
	return rec, nil
}

// Transition applies e to h. An invalid transition leaves the record as it
// was. A non-nil snapshot replaces the cached observation.
func (t *Table) Transition(h Handle, e Event, snap *sim.Snapshot) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.entries[h]
	if !ok {
		return StateDeleted, fmt.Errorf("%w: %s", ErrHandleNotFound, h)
	}
	next, err := Next(rec.State, e)
	if err != nil {
		return rec.State, fmt.Errorf("%s on %s: %w", e, h, err)
	}

	rec.State = next
	if snap != nil {
		rec.Last = *snap
	}
	switch e {
	case EventReset, EventResetInvalid:
		rec.Resets++
	case EventStep, EventEpisodeEnd:
		rec.Steps++
	}
	rec.LastAccessedAt = t.now()
	return next, nil
}

// Observe returns the cached snapshot of h without touching the simulator.
func (t *Table) Observe(h Handle) (sim.Snapshot, error) {
	rec, err := t.Get(h)
	if err != nil {
		return sim.Snapshot{}, err
	}
	return rec.Last, nil
}

// Remove moves h to deleted and evicts it. Removing an unknown or already
// removed handle fails with ErrHandleNotFound and changes nothing.
func (t *Table) Remove(h Handle) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(h, nil)
}

// RemoveOwned removes h only while it still holds resource. It protects
// force-close paths from evicting a newer session that reuses the handle.
func (t *Table) RemoveOwned(h Handle, resource any) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(h, func(rec *Record) bool { return rec.Resource == resource })
}

func (t *Table) removeLocked(h Handle, owns func(*Record) bool) (Record, error) {
	rec, ok := t.entries[h]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrHandleNotFound, h)
	}
	if owns != nil && !owns(rec) {
		return Record{}, fmt.Errorf("%w: %s now belongs to another session", ErrHandleNotFound, h)
	}
	next, err := Next(rec.State, EventClose)
	if err != nil {
		return Record{}, err
	}
	rec.State = next

	delete(t.entries, h)
	for i, live := range t.order {
		if live == h {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return *rec, nil
}

// Touch refreshes the last access time of h.
func (t *Table) Touch(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.entries[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandleNotFound, h)
	}
	rec.LastAccessedAt = t.now()
	return nil
}

// List returns all live records in insertion order.
func (t *Table) List() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Record, 0, len(t.order))
	for _, h := range t.order {
		result = append(result, *t.entries[h])
	}
	return result
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Expired returns the handles not accessed within maxAge. The caller is
// responsible for closing them; the table does not own resource teardown.
func (t *Table) Expired(maxAge time.Duration) []Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cutoff := t.now().Add(-maxAge)
	var expired []Handle
	for _, h := range t.order {
		if t.entries[h].LastAccessedAt.Before(cutoff) {
			expired = append(expired, h)
		}
	}
	return expired
}
