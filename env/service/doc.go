// Package service is the session manager facade in front of the session
// table and the simulators.
//
// Every operation follows the same path: validate the handle against the
// table, take the session's own lock, call the simulator (in-process or over
// a worker channel) with a timeout, then record the transition and the new
// snapshot. The table lock is never held across a simulator call, so calls on
// different handles run in parallel while calls on one handle are serialized.
//
// Worker failures are fatal to the session that saw them and to nothing
// else: the session is removed and its worker shut down. Errors from the
// simulator itself are returned as *UpstreamError. Code maps any returned
// error to the wire taxonomy used by the HTTP and MCP surfaces.
//
// Usage:
//
//	registry := sim.NewRegistry()
//	registry.Register(&roadtrip.Factory{Catalog: cat})
//	mgr, err := service.NewManager(service.Config{DefaultKind: "roadtrip"}, registry, logger)
//
//	h, err := mgr.Create(ctx, "", nil)
//	res, err := mgr.Step(ctx, h, "move right")
//	closed, err := mgr.Close(ctx, h)
package service
