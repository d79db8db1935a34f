// ABOUTME: SQLite persistence for the cross-node message ledger
// ABOUTME: Allocates per-sender sequence numbers atomically and keeps read state idempotent

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `message_id, from_node, to_node, content, message_type, status, retry_count,
	max_retries, sequence_number, created_at, sent_at, delivered_at, read_at`

// inboxPredicate selects messages addressed to a node or broadcast, excluding its own sends.
const inboxPredicate = `(to_node = ? OR to_node IS NULL) AND from_node != ?`

// SaveMessage allocates the next sequence number for msg.FromNode and inserts
// the message as pending. Allocation and insert share one transaction, so the
// counter never hands out a number twice regardless of caller interleaving.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *NodeMessage) error {
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.Type == "" {
		if msg.ToNode == nil {
			msg.Type = MessageBroadcast
		} else {
			msg.Type = MessageDirect
		}
	}
	msg.Status = MessagePending
	msg.RetryCount = 0

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO node_sequences (node_id, last_seq) VALUES (?, 1)
		ON CONFLICT(node_id) DO UPDATE SET last_seq = last_seq + 1
		RETURNING last_seq
	`, msg.FromNode).Scan(&seq)
	if err != nil {
		return fmt.Errorf("allocating sequence number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO node_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL)
	`, msg.MessageID, msg.FromNode, nullableString(msg.ToNode), msg.Content, string(msg.Type),
		string(msg.Status), msg.RetryCount, msg.MaxRetries, seq, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}
	msg.SequenceNumber = seq
	return nil
}

// IngestMessage stores a message delivered by a remote node as delivered,
// preserving the sender's id and sequence number.
func (s *SQLiteStore) IngestMessage(ctx context.Context, msg *NodeMessage) (bool, error) {
	if msg.MessageID == "" {
		return false, errors.New("message_id is required")
	}
	now := time.Now()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.Status = MessageDelivered
	msg.DeliveredAt = &now

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO node_messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, msg.MessageID, msg.FromNode, nullableString(msg.ToNode), msg.Content, string(msg.Type),
		string(msg.Status), msg.RetryCount, msg.MaxRetries, msg.SequenceNumber,
		formatTime(msg.CreatedAt), formatTimePtr(msg.SentAt), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("ingesting message: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*NodeMessage, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM node_messages WHERE message_id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkMessageSent records a successful transmission attempt.
func (s *SQLiteStore) MarkMessageSent(ctx context.Context, id string, at time.Time) error {
	return s.advanceMessage(ctx, id, `status = 'sent', sent_at = ?`, []any{formatTime(at)},
		MessagePending)
}

// MarkMessageDelivered records confirmed remote receipt.
func (s *SQLiteStore) MarkMessageDelivered(ctx context.Context, id string, at time.Time) error {
	return s.advanceMessage(ctx, id,
		`status = 'delivered', delivered_at = ?, sent_at = COALESCE(sent_at, ?)`,
		[]any{formatTime(at), formatTime(at)},
		MessagePending, MessageSent)
}

// MarkMessageFailed marks a message permanently failed. The row is kept for inspection.
func (s *SQLiteStore) MarkMessageFailed(ctx context.Context, id string) error {
	return s.advanceMessage(ctx, id, `status = 'failed'`, nil, MessagePending, MessageSent)
}

// IncrementMessageRetry bumps retry_count and resets status to pending.
// No backoff is applied and max_retries is not enforced here; the caller decides when to stop.
func (s *SQLiteStore) IncrementMessageRetry(ctx context.Context, id string) (*NodeMessage, error) {
	err := s.advanceMessage(ctx, id, `status = 'pending', retry_count = retry_count + 1`, nil,
		MessagePending, MessageSent, MessageFailed)
	if err != nil {
		return nil, err
	}
	return s.GetMessage(ctx, id)
}

func (s *SQLiteStore) advanceMessage(ctx context.Context, id, set string, setArgs []any, from ...MessageStatus) error {
	args := append([]any{}, setArgs...)
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE node_messages SET `+set+` WHERE message_id = ? AND status IN (`+placeholders(len(from))+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.existsOr(ctx, `SELECT 1 FROM node_messages WHERE message_id = ?`, id)
	}
	return nil
}

// PendingMessages returns messages sent by fromNode still awaiting transmission, in sequence order.
func (s *SQLiteStore) PendingMessages(ctx context.Context, fromNode string, limit int) ([]*NodeMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM node_messages
		WHERE from_node = ? AND status = 'pending'
		ORDER BY sequence_number ASC LIMIT ?
	`, fromNode, limit)
}

// Inbox lists messages addressed to node or broadcast, excluding node's own
// sends. Ordering by sequence number keeps each sender's stream in causal
// order even when rows landed out of wall-clock order.
func (s *SQLiteStore) Inbox(ctx context.Context, node string, limit int) ([]*NodeMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM node_messages
		WHERE `+inboxPredicate+`
		ORDER BY sequence_number ASC, from_node ASC LIMIT ?
	`, node, node, limit)
}

// MarkMessageRead sets read_at once. Marking an already-read message is a no-op.
func (s *SQLiteStore) MarkMessageRead(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE node_messages SET read_at = ? WHERE message_id = ? AND read_at IS NULL
	`, formatTime(at), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM node_messages WHERE message_id = ?`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("checking message existence: %w", err)
		}
		// Already read, that's fine
	}
	return nil
}

// UnreadCount counts unread inbox messages created at or after since.
func (s *SQLiteStore) UnreadCount(ctx context.Context, node string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM node_messages
		WHERE `+inboxPredicate+` AND read_at IS NULL AND created_at >= ?
	`, node, node, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return n, nil
}

// FailedMessages lists messages from fromNode that exhausted their retries.
func (s *SQLiteStore) FailedMessages(ctx context.Context, fromNode string, limit int) ([]*NodeMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryMessages(ctx, `
		SELECT `+messageColumns+` FROM node_messages
		WHERE from_node = ? AND status = 'failed'
		ORDER BY sequence_number DESC LIMIT ?
	`, fromNode, limit)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*NodeMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*NodeMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(row rowScanner) (*NodeMessage, error) {
	var msg NodeMessage
	var toNode, sentAt, deliveredAt, readAt sql.NullString
	var msgType, status, createdAt string

	err := row.Scan(&msg.MessageID, &msg.FromNode, &toNode, &msg.Content, &msgType, &status,
		&msg.RetryCount, &msg.MaxRetries, &msg.SequenceNumber, &createdAt, &sentAt, &deliveredAt, &readAt)
	if err != nil {
		return nil, err
	}

	if toNode.Valid {
		v := toNode.String
		msg.ToNode = &v
	}
	msg.Type = MessageType(msgType)
	msg.Status = MessageStatus(status)
	msg.CreatedAt = parseTime(createdAt)
	msg.SentAt = parseNullTime(sentAt)
	msg.DeliveredAt = parseNullTime(deliveredAt)
	msg.ReadAt = parseNullTime(readAt)
	return &msg, nil
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
