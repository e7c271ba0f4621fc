package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/mcp-training/envserver/env/sim"
)

type resource struct{ name string }

func newTestTable(t *testing.T, cfg AllocatorConfig) *Table {
	t.Helper()
	alloc, err := NewAllocator(cfg)
	require.NoError(t, err)
	return NewTable(alloc)
}

func TestTable_ReserveAttach(t *testing.T) {
	table := newTestTable(t, AllocatorConfig{})

	h, fresh, err := table.Reserve("roadtrip")
	require.NoError(t, err)
	assert.True(t, fresh)

	rec, err := table.Lookup(h)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, rec.State)
	assert.Nil(t, rec.Resource)

	_, err = table.Get(h)
	assert.True(t, errors.Is(err, ErrNotInitialized))

	snap := &sim.Snapshot{Observation: "start"}
	require.NoError(t, table.Attach(h, &resource{"a"}, snap))

	rec, err = table.Get(h)
	require.NoError(t, err)
	assert.Equal(t, StateReady, rec.State)
	assert.Equal(t, "start", rec.Last.Observation)

	err = table.Attach(h, &resource{"b"}, nil)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestTable_AttachWithoutSnapshotStaysUninitialized(t *testing.T) {
	table := newTestTable(t, AllocatorConfig{})

	h, _, err := table.Reserve("sqlgym")
	require.NoError(t, err)
	require.NoError(t, table.Attach(h, &resource{"a"}, nil))

	_, err = table.Check(h, OpStep)
	assert.True(t, errors.Is(err, ErrNotInitialized))
	_, err = table.Observe(h)
	assert.True(t, errors.Is(err, ErrNotInitialized))
}

func TestTable_InsertDuplicate(t *testing.T) {
	table := newTestTable(t, AllocatorConfig{})

	require.NoError(t, table.Insert(7, "k", &resource{}, StateReady))
	err := table.Insert(7, "k", &resource{}, StateReady)
	assert.True(t, errors.Is(err, ErrHandleExists))

	err = table.Insert(8, "k", &resource{}, StateDeleted)
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestTable_UnknownHandle(t *testing.T) {
	table := newTestTable(t, AllocatorConfig{})

	_, err := table.Get(99)
	assert.True(t, errors.Is(err, ErrHandleNotFound))
	_, err = table.Check(99, OpStep)
	assert.True(t, errors.Is(err, ErrHandleNotFound))
	_, err = table.Transition(99, EventStep, nil)
	assert.True(t, errors.Is(err, ErrHandleNotFound))
	assert.True(t, errors.Is(table.Touch(99), ErrHandleNotFound))
}

func TestTable_EpisodeLifecycle(t *testing.T) {
	table := newTestTable(t, AllocatorConfig{})
	require.NoError(t, table.Insert(1, "k", &resource{}, StateReady))

	state, err := table.Transition(1, EventEpisodeEnd, &sim.Snapshot{Observation: "end", Reward: 1, Done: true})
	require.NoError(t, err)
	assert.Equal(t, StateDone, state)

	// The final observation stays readable.
	snap, err := table.Observe(1)
	require.NoError(t, err)
	assert.Equal(t, "end", snap.Observation)
	assert.True(t, snap.Done)

	// Step after done is rejected and leaves the record untouched.
	_, err = table.Check(1, OpStep)
	assert.True(t, errors.Is(err, ErrInvalidState))
	state, err = table.Transition(1, EventStep, &sim.Snapshot{Observation: "bogus"})
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Equal(t, StateDone, state)
	snap, err = table.Observe(1)
	require.NoError(t, err)
	assert.Equal(t, "end", snap.Observation)

	state, err = table.Transition(1, EventReset, &sim.Snapshot{Observation: "again"})
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)

	state, err = table.Transition(1, EventStep, &sim.Snapshot{Observation: "moved"})
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)

	rec, err := table.Lookup(1)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Steps)
	assert.Equal(t, 1, rec.Resets)
}

func TestTable_InvalidResetFallsBackToUninitialized(t *testing.T) {
	table := newTestTable(t, AllocatorConfig{})
	require.NoError(t, table.Insert(1, "k", &resource{}, StateReady))

	state, err := table.Transition(1, EventResetInvalid, nil)
	require.NoError(t, err)
	assert.Equal(t, StateUninitialized, state)

	_, err = table.Check(1, OpStep)
	assert.True(t, errors.Is(err, ErrNotInitialized))
}

func TestTable_RemoveTwice(t *testing.T) {
	table := newTestTable(t, AllocatorConfig{})
	require.NoError(t, table.Insert(1, "k", &resource{}, StateReady))
	require.NoError(t, table.Insert(2, "k", &resource{}, StateReady))

	rec, err := table.Remove(1)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, rec.State)

	_, err = table.Remove(1)
	assert.True(t, errors.Is(err, ErrHandleNotFound))

	// The other session is unaffected.
	_, err = table.Get(2)
	assert.NoError(t, err)
	assert.Equal(t, 1, table.Len())
}

func TestTable_RemoveOwned(t *testing.T) {
	table := newTestTable(t, AllocatorConfig{})
	old := &resource{"old"}
	replacement := &resource{"new"}

	require.NoError(t, table.Insert(5, "k", old, StateReady))
	_, err := table.Remove(5)
	require.NoError(t, err)
	require.NoError(t, table.Insert(5, "k", replacement, StateReady))

	_, err = table.RemoveOwned(5, old)
	assert.True(t, errors.Is(err, ErrHandleNotFound))
	_, err = table.Get(5)
	assert.NoError(t, err)

	_, err = table.RemoveOwned(5, replacement)
	assert.NoError(t, err)
}

func TestTable_RoundRobinCapacityTwo(t *testing.T) {
	table := newTestTable(t, AllocatorConfig{Policy: PolicyRandom, Capacity: 2, Seed: 3})

	a, fresh, err := table.Reserve("k")
	require.NoError(t, err)
	require.True(t, fresh)
	b, fresh, err := table.Reserve("k")
	require.NoError(t, err)
	require.True(t, fresh)
	assert.NotEqual(t, a, b)

	third, fresh, err := table.Reserve("k")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, a, third)
	assert.Equal(t, 2, table.Len())

	_, err = table.Remove(a)
	require.NoError(t, err)

	c, fresh, err := table.Reserve("k")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.NotEqual(t, b, c)
	assert.Equal(t, 2, table.Len())
}

func TestTable_ListOrderAndExpired(t *testing.T) {
	table := newTestTable(t, AllocatorConfig{})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	table.now = func() time.Time { return now }

	require.NoError(t, table.Insert(3, "k", &resource{}, StateReady))
	require.NoError(t, table.Insert(1, "k", &resource{}, StateReady))

	now = now.Add(time.Hour)
	require.NoError(t, table.Touch(1))

	list := table.List()
	require.Len(t, list, 2)
	assert.Equal(t, Handle(3), list[0].Handle)
	assert.Equal(t, Handle(1), list[1].Handle)

	assert.Equal(t, []Handle{3}, table.Expired(30*time.Minute))
}

func TestTable_ConcurrentReserve(t *testing.T) {
	table := newTestTable(t, AllocatorConfig{Policy: PolicyRandom, Seed: 11})

	const n = 200
	var wg sync.WaitGroup
	handles := make(chan Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, fresh, err := table.Reserve("k")
			if err == nil && fresh {
				handles <- h
			}
		}()
	}
	wg.Wait()
	close(handles)

	seen := make(map[Handle]bool)
	for h := range handles {
		assert.False(t, seen[h], "duplicate handle %d", h)
		seen[h] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, table.Len())
}
