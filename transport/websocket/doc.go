// Package websocket pushes live session updates to browser watchers.
//
// A central Hub owns all connections. Clients attach to one session handle
// with GET /ws?handle=N and receive a JSON Message after every step or reset
// of that session, plus a "closed" event when it goes away. The connection is
// read only from the client's point of view; incoming frames are ignored.
//
// Usage:
//
//	hub := websocket.NewHub(logger)
//	go hub.Run(ctx)
//
//	hub.BroadcastObservation(websocket.EventStep, result)
//
// Concurrency:
//
// Registration, removal and fan-out all run on the Run goroutine, so the
// broadcast helpers are safe to call from any request handler. They never
// block; a watcher whose buffer is full is disconnected.
package websocket
