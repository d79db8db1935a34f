// Package bus carries messages between independent dispatcher nodes.
//
// Every message a node sends is written to its ledger first. The store hands
// out the sender's next sequence number inside the same transaction, so the
// numbers from one node are strictly increasing with no gaps or repeats.
//
// The Relay polls the ledger for pending messages and POSTs each one to
// <peer>/api/bus/messages: direct messages to the addressed peer, broadcasts
// to every peer. A 2xx answer marks the message sent; {"received":true} marks
// it delivered. Anything else counts as a failed attempt. The message goes
// back to pending with retry_count+1, and once retry_count reaches
// max_retries it is marked failed and kept for inspection. Retries happen on
// the next relay pass with no backoff.
//
// The receiver keeps the remote message_id and sequence number. A dedupe
// cache answers repeated deliveries before they reach the store.
//
// Local views:
//
//	GET  /api/bus/inbox              messages to this node or broadcast, by sequence
//	GET  /api/bus/unread             unread count within the unread window
//	POST /api/bus/messages/{id}/read idempotent
//	GET  /api/bus/failed             abandoned sends from this node
//	POST /api/bus/send               {"to_node": "...", "content": "..."}
package bus
