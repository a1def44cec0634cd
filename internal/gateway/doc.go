// Package gateway serves the coordinator over the network.
//
// # Overview
//
// The gateway owns the long-lived components of coven-coordinator: the
// state store, the coordinator itself, the health monitor, the event
// broadcaster, the HTTP server and the optional gRPC health server.
//
// # HTTP API
//
// Endpoints in api.go:
//
//   - POST /api/agents - Register (or re-register) an agent
//   - GET /api/agents - List agents in registration order
//   - GET /api/agents/{name} - One agent record
//   - POST /api/agents/{name}/heartbeat - Refresh liveness
//   - GET /api/agents/{name}/tasks - Queued and executing tasks for an agent
//   - POST /api/tasks - Create and route a task
//   - GET /api/tasks/{id} - One task
//   - POST /api/tasks/{id}/claim - Mark a task executing
//   - POST /api/tasks/{id}/complete - Finish a task
//   - GET /api/status - Full status snapshot (?limit=N)
//   - GET /api/health - Liveness summary
//   - GET /api/events - WebSocket event stream (?agent=NAME)
//   - GET /health, GET /health/ready - Process probes
//
// Errors are returned as {"error": "...", "code": "..."} with codes
// not_found (404), invalid_transition (409), no_agent_available (503),
// invalid_argument (400), forbidden (403) and unauthorized (401).
//
// # gRPC
//
// When server.grpc_addr is set the standard grpc.health.v1 service is
// served. The empty service name reports overall health; each agent is
// reported under "coven.agent.<name>".
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//	...
//	cancel()
//
// Run performs a graceful shutdown when ctx is canceled, flushing state to
// the store before closing it.
package gateway
