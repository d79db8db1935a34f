// Package agent tracks the agents currently connected to the dispatcher.
//
// # Registry
//
// The Registry maps numeric agent ids to their live Connection:
//
//	reg := agent.NewRegistry(logger, metrics)
//
// Key operations:
//
//   - Register(conn): Make conn live; an older connection for the same id is closed
//   - Unregister(conn): Remove conn only if it is still the live connection
//   - Get(id) / IsOnline(id): Look up an agent
//   - IDs() / List(): Enumerate connected agents
//   - Stale(now, timeout): Connections with no heartbeat within timeout
//
// Unregister compares the connection pointer, so a socket that closes after
// being superseded never removes its replacement.
//
// # Connection
//
// A Connection wraps the agent's Transport (a WebSocket in production) and
// records connected_at, last_heartbeat, the current mission id, and
// completed/failed counters. Close is idempotent and closes Done.
//
// # Router
//
// Router picks agent ids round-robin; the scheduler uses it to spread
// missions across connected agents with no capacity limit.
//
// # Thread Safety
//
// Registry, Connection, and Router are safe for concurrent use. The registry
// is an owned value passed to its users, never package state.
package agent
