// Package rpc implements correlation-based request/response messaging between
// agents and the orchestrator.
//
// A Peer sends requests with Query and waits for the response whose
// correlationId matches. Each in-flight query has its own expiry timer; when
// it fires the query fails with TIMEOUT and its pending entry is removed.
// Late responses are ignored.
//
// On the serving side, On registers a Handler per method. Requests already
// past deadlineMs are dropped without an answer. Unregistered methods answer
// NOT_FOUND, and handler panics answer INTERNAL.
//
// Events are fire-and-forget envelopes with the topic in method and the
// payload in params. Emit sends one; Subscribe receives them.
//
// Peers never touch sockets directly. A Sender moves envelopes; in the
// dispatcher that is the transport hub, in an agent it is the worker client.
package rpc
