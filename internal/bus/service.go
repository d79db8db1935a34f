// ABOUTME: Node-level API over the cross-node message ledger
// ABOUTME: Sends with per-sender sequencing, ingests remote deliveries, and serves inbox views

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-dispatch/internal/dedupe"
	"github.com/2389/coven-dispatch/internal/metrics"
	"github.com/2389/coven-dispatch/internal/store"
)

// Defaults for Options.
const (
	DefaultMaxRetries   = 3
	DefaultUnreadWindow = 7 * 24 * time.Hour
	DefaultLimit        = 50
	MaxLimit            = 500
)

// ErrInvalidMessage is returned for messages that fail validation.
var ErrInvalidMessage = errors.New("invalid message")

// Message is the JSON form of a ledger entry, used on the wire between nodes
// and by the HTTP views.
type Message struct {
	MessageID      string     `json:"message_id"`
	FromNode       string     `json:"from_node"`
	ToNode         *string    `json:"to_node,omitempty"`
	Content        string     `json:"content"`
	MessageType    string     `json:"message_type"`
	SequenceNumber int64      `json:"sequence_number"`
	Status         string     `json:"status,omitempty"`
	RetryCount     int        `json:"retry_count,omitempty"`
	MaxRetries     int        `json:"max_retries,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
}

// FromStore converts a ledger row to its JSON form.
func FromStore(m *store.NodeMessage) Message {
	return Message{
		MessageID:      m.MessageID,
		FromNode:       m.FromNode,
		ToNode:         m.ToNode,
		Content:        m.Content,
		MessageType:    string(m.Type),
		SequenceNumber: m.SequenceNumber,
		Status:         string(m.Status),
		RetryCount:     m.RetryCount,
		MaxRetries:     m.MaxRetries,
		CreatedAt:      m.CreatedAt,
		SentAt:         m.SentAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
	}
}

func fromStoreList(list []*store.NodeMessage) []Message {
	out := make([]Message, 0, len(list))
	for _, m := range list {
		out = append(out, FromStore(m))
	}
	return out
}

// Options configures a Service.
type Options struct {
	NodeID       string
	MaxRetries   int
	UnreadWindow time.Duration
	Dedupe       *dedupe.Cache
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Service is this node's view of the message bus.
type Service struct {
	store        store.MessageStore
	node         string
	maxRetries   int
	unreadWindow time.Duration
	seen         *dedupe.Cache
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewService creates a bus service for opts.NodeID.
func NewService(s store.MessageStore, opts Options) *Service {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.UnreadWindow <= 0 {
		opts.UnreadWindow = DefaultUnreadWindow
	}
	if opts.Dedupe == nil {
		opts.Dedupe = dedupe.New(0, 0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:        s,
		node:         opts.NodeID,
		maxRetries:   opts.MaxRetries,
		unreadWindow: opts.UnreadWindow,
		seen:         opts.Dedupe,
		metrics:      opts.Metrics,
		logger:       logger.With("component", "bus", "node", opts.NodeID),
		now:          time.Now,
	}
}

// NodeID returns the local node id.
func (s *Service) NodeID() string {
	return s.node
}

// Send persists a message from this node. An empty toNode broadcasts to every
// peer. The relay delivers it asynchronously.
func (s *Service) Send(ctx context.Context, toNode, content string) (*store.NodeMessage, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	toNode = strings.TrimSpace(toNode)
	if toNode == s.node {
		return nil, fmt.Errorf("%w: cannot address the local node", ErrInvalidMessage)
	}

	msg := &store.NodeMessage{
		FromNode:   s.node,
		Content:    content,
		Type:       store.MessageBroadcast,
		MaxRetries: s.maxRetries,
		CreatedAt:  s.now(),
	}
	if toNode != "" {
		msg.ToNode = &toNode
		msg.Type = store.MessageDirect
	}

	if err := s.store.SaveMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	s.logger.Debug("message queued", "message_id", msg.MessageID, "to", toNode, "seq", msg.SequenceNumber)
	return msg, nil
}

// Receive ingests a message delivered by a remote node. It reports whether
// the message was new; repeated deliveries are acknowledged without effect.
func (s *Service) Receive(ctx context.Context, in Message) (bool, error) {
	switch {
	case in.MessageID == "":
		return false, fmt.Errorf("%w: message_id is required", ErrInvalidMessage)
	case in.FromNode == "":
		return false, fmt.Errorf("%w: from_node is required", ErrInvalidMessage)
	case in.FromNode == s.node:
		return false, fmt.Errorf("%w: message originates from this node", ErrInvalidMessage)
	case in.ToNode != nil && *in.ToNode != s.node:
		return false, fmt.Errorf("%w: addressed to %q", ErrInvalidMessage, *in.ToNode)
	case in.SequenceNumber <= 0:
		return false, fmt.Errorf("%w: sequence_number must be positive", ErrInvalidMessage)
	}

	if s.seen.CheckAndMark(in.MessageID) {
		s.metrics.BusMessage(metrics.BusDuplicate)
		return false, nil
	}

	msgType := store.MessageType(in.MessageType)
	if msgType != store.MessageDirect && msgType != store.MessageBroadcast {
		msgType = store.MessageBroadcast
		if in.ToNode != nil {
			msgType = store.MessageDirect
		}
	}

	inserted, err := s.store.IngestMessage(ctx, &store.NodeMessage{
		MessageID:      in.MessageID,
		FromNode:       in.FromNode,
		ToNode:         in.ToNode,
		Content:        in.Content,
		Type:           msgType,
		SequenceNumber: in.SequenceNumber,
		CreatedAt:      in.CreatedAt,
		SentAt:         in.SentAt,
	})
	if err != nil {
		s.seen.Forget(in.MessageID)
		return false, fmt.Errorf("ingesting message: %w", err)
	}

	if inserted {
		s.metrics.BusMessage(metrics.BusReceived)
		s.logger.Debug("message received", "message_id", in.MessageID, "from", in.FromNode, "seq", in.SequenceNumber)
	} else {
		s.metrics.BusMessage(metrics.BusDuplicate)
	}
	return inserted, nil
}

// Get retrieves a message by id.
func (s *Service) Get(ctx context.Context, id string) (*store.NodeMessage, error) {
	return s.store.GetMessage(ctx, id)
}

// Inbox returns messages addressed to this node or broadcast by others,
// ordered by sequence number.
func (s *Service) Inbox(ctx context.Context, limit int) ([]*store.NodeMessage, error) {
	return s.store.Inbox(ctx, s.node, clampLimit(limit))
}

// MarkRead marks a message read. Marking twice is not an error.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.store.MarkMessageRead(ctx, id, s.now())
}

// UnreadCount counts unread inbox messages within the unread window.
func (s *Service) UnreadCount(ctx context.Context) (int, error) {
	return s.store.UnreadCount(ctx, s.node, s.now().Add(-s.unreadWindow))
}

// Failed returns messages from this node whose delivery was abandoned.
func (s *Service) Failed(ctx context.Context, limit int) ([]*store.NodeMessage, error) {
	return s.store.FailedMessages(ctx, s.node, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
