// Package transport is the real-time push channel between the dispatcher and
// its agents.
//
// Agents connect to GET /ws?token=<jwt>. The token is checked before the
// WebSocket upgrade; a rejected client gets HTTP 401 and never reaches the
// agent registry. A new connection for an agent id closes the previous one.
//
// # Frames
//
// Every frame is a JSON object tagged by "type":
//
//	{"type":"task","id":"...","prompt":"...","context":"...","priority":"...","assigned_at":"..."}
//	{"type":"ping"}
//	{"type":"pong"}
//	{"type":"result","taskId":"...","status":"completed|failed|processing","output":"...","duration_ms":0}
//
// RPC envelopes travel as frames of type request, response, or event.
// Unknown types are logged and dropped.
//
// # Liveness
//
// Each connection has a heartbeat loop that sends ping at HeartbeatInterval.
// Any inbound frame refreshes last_heartbeat; an agent silent for longer than
// HeartbeatTimeout is unregistered and its socket closed.
//
// # Routing
//
// The hub overwrites from.agentId with the authenticated id. Envelopes
// addressed to agent 0 go to the local handler (the orchestrator's rpc.Peer);
// others are forwarded to the target connection. A request to an offline agent
// is answered with AGENT_OFFLINE. Events go to every connected agent except
// the sender.
package transport
