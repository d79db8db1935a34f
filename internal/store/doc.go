// Package store provides persistent storage for the dispatcher using SQLite.
//
// # Architecture
//
// The store package splits persistence into two interfaces:
//
//   - MissionStore: mission definitions, status, retry state, and dependency-aware claims
//   - MessageStore: the cross-node message ledger with per-sender sequence numbers
//
// SQLiteStore implements both in a single struct.
//
// # Missions
//
// Every status change is a compare-and-swap: TransitionMission names the
// statuses the mission must currently be in, and ClaimMission additionally
// requires that every id in depends_on is completed. A lost race surfaces as
// ErrConflict rather than a double assignment.
//
//	m, err := s.ClaimMission(ctx, id, agentID, time.Now())
//	if errors.Is(err, store.ErrConflict) {
//	    // another scheduler pass won, or a dependency is not done
//	}
//
// # Cross-node messages
//
// SaveMessage allocates the sender's next sequence number inside the same
// transaction as the insert:
//
//	INSERT INTO node_sequences (node_id, last_seq) VALUES (?, 1)
//	ON CONFLICT(node_id) DO UPDATE SET last_seq = last_seq + 1
//	RETURNING last_seq
//
// Messages received from other nodes are stored with IngestMessage, which
// keeps the remote id and sequence and ignores duplicates.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single pooled connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Use NewSQLiteStore(":memory:") for tests.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested entity does not exist
//   - ErrConflict: Entity exists but is not in an expected state
//   - ErrDuplicate: Entity id already taken
package store
