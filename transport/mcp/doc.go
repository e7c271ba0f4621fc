// Package mcp exposes the environment server to AI agents over the Model
// Context Protocol.
//
// The Client is a thin proxy: every tool call becomes one request against the
// REST API, so an agent sees exactly the sessions other HTTP clients see.
//
// MCP Tools:
//   - create_env: start a session of a kind, returns its handle
//   - reset_env: load a task by index, with an optional seed
//   - step_env: send one action
//   - observe_env: re-read the cached observation
//   - close_env: close a session
//   - list_envs: live sessions and creatable kinds
//   - env_detail: one session's state, counters and worker
//   - env_metadata: simulator metadata for the current observation
//
// Transport Modes:
//   - Stdio: the stdio-mcp command serves the tools on stdin/stdout
//   - HTTP: the server command mounts POST /mcp
//
// REST failures come back with status 200 and an error body. They surface as
// tool errors that include the error code, for example "not_initialized".
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8080")
//	server.ServeStdio(client.GetMCPServer())
package mcp
