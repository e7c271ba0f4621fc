// Package worker runs environments in isolated worker processes.
//
// A worker is a child process of the server binary started with the worker
// subcommand. The server talks to it over the child's stdin and stdout with
// one JSON document per line:
//
//	-> {"tag":"step","payload":{"action":"click [12]"}}
//	<- {"result":{"observation":"...","reward":0,"done":false}}
//
// Every command gets exactly one response, in order. Commands are never
// pipelined and the worker never writes anything it was not asked for.
// Failures inside the worker travel back as {"error":{"kind","message"}}.
//
// Serve is the worker side loop. Channel is the caller side; Call serializes
// round trips, checks liveness before every send and marks the channel
// suspect after a timeout or a malformed response. Close runs the shutdown
// sequence:
//
//	running -> close-requested -> terminating -> terminated | killed
//
// RemoteEnv adapts a Channel to sim.Env so the session layer treats isolated
// and in-process environments alike.
package worker
