// Package api provides the HTTP REST surface of the environment server.
//
// Endpoints:
//
// Session lifecycle:
//   - POST /create - Start a session: {"kind": "roadtrip", "params": {...}} -> {"handle": 3}
//   - POST /close - Close a session: {"handle": 3} -> {"closed": true}
//   - GET /list_envs - List live sessions (?kind= filter, ?sort=accessed)
//   - GET /detail?handle=N - Describe one session, including its worker
//
// Episode operations:
//   - POST /step - {"handle": 3, "action": "up"}
//   - POST /reset - {"handle": 3, "target": 0, "seed": 1, "options": {...}}
//   - GET /observation?handle=N - Cached result of the last step or reset
//   - GET /observation_metadata?handle=N - Simulator metadata query
//   - GET /page?handle=N - Simulator page query
//
// Live updates:
//   - GET /ws?handle=N - WebSocket stream of step, reset and closed events
//
// Errors:
//
// Failed operations are answered with status 200 and a JSON body so agent
// loops can treat them as data:
//
//	{
//	  "error": "session not initialized: 3",
//	  "code": "not_initialized"
//	}
//
// The code is one of the service.ErrorCode values. Only the WebSocket upgrade
// and unknown routes use non-200 statuses.
//
// Usage:
//
//	server := api.NewServer(manager, hub, logger)
//	http.ListenAndServe(":8080", server)
package api
