// Package session provides the session registry for environment instances.
//
// The session package implements:
//   - Handle allocation with monotonic or random policies
//   - Capacity limits with reject or round-robin overflow
//   - A per-session lifecycle state machine
//   - Concurrent access to the session table
//
// Core Types:
//
// Table maps handles to Records. A Record carries the lifecycle state, an
// opaque resource owned by the caller (an in-process simulator or a worker
// channel) and the cached snapshot used to answer observe without calling the
// simulator again.
//
// Allocator issues handles. The monotonic policy counts up from zero and never
// reuses a value. The random policy draws from a bounded range and, once the
// table is at capacity, hands out live handles in a circular order so several
// callers share one session.
//
// States:
//
//	uninitialized --reset--> ready --step(done)--> done --reset--> ready
//	      any live state --close--> deleted (evicted)
//
// A reset to an unknown target moves the session back to uninitialized.
//
// Concurrency:
//
// One table-wide lock protects metadata. It is never held across a simulator
// call; callers serialize calls on one session themselves.
//
// Usage:
//
//	alloc, _ := session.NewAllocator(session.AllocatorConfig{Policy: session.PolicyMonotonic})
//	table := session.NewTable(alloc)
//
//	h, fresh, err := table.Reserve("roadtrip")
//	if err != nil {
//		return err
//	}
//	if fresh {
//		err = table.Attach(h, env, snapshot)
//	}
package session
