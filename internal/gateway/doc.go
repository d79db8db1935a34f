// Package gateway wires the coven-dispatch server components into one process.
//
// # Overview
//
// A Gateway owns the SQLite store, the mission queue and scheduler, the agent
// WebSocket hub, the orchestrator's RPC peer (agent id 0), and, when node.id
// is configured, the cross-node message bus and its relay.
//
// # HTTP API
//
//   - GET /ws - Agent WebSocket (token via ?token= or Authorization header)
//   - POST /api/tokens - Issue an agent token
//   - POST /api/missions - Submit a mission
//   - GET /api/missions?status=queued,running - List missions
//   - GET /api/missions/{id} - Get a mission
//   - POST /api/missions/{id}/cancel - Cancel a mission
//   - GET /api/missions/{id}/events - Stream transitions as SSE
//   - GET /api/agents - List connected agents
//   - GET /api/agents/{id}/status - Query an agent over RPC
//   - /api/bus/... - Message bus views and the peer receiver
//   - GET /health, GET /health/ready - Liveness and readiness
//   - GET /metrics - Prometheus metrics when enabled
//
// # Orchestrator RPC
//
// Agents address the orchestrator as agent id 0. It serves mission.submit,
// mission.get, and agents.list, and emits every mission transition as an
// event with topic "mission.<status>".
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is cancelled and resources are closed
package gateway
