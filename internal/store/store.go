// ABOUTME: Store interfaces and data types for coven-dispatch persistence
// ABOUTME: Defines Mission and NodeMessage records plus the status alphabets they move through

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-swap update loses: the row exists
// but was not in one of the expected states.
var ErrConflict = errors.New("state conflict")

// ErrDuplicate is returned when inserting a record whose id already exists
var ErrDuplicate = errors.New("already exists")

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

// Mission status alphabet. Direct store consumers depend on these exact values.
const (
	StatusPending    MissionStatus = "pending"
	StatusQueued     MissionStatus = "queued"
	StatusProcessing MissionStatus = "processing"
	StatusRunning    MissionStatus = "running"
	StatusCompleted  MissionStatus = "completed"
	StatusFailed     MissionStatus = "failed"
	StatusRetrying   MissionStatus = "retrying"
	StatusBlocked    MissionStatus = "blocked"
	StatusCancelled  MissionStatus = "cancelled"
)

// MissionStatuses lists every valid mission status.
var MissionStatuses = []MissionStatus{
	StatusPending, StatusQueued, StatusProcessing, StatusRunning, StatusCompleted,
	StatusFailed, StatusRetrying, StatusBlocked, StatusCancelled,
}

// Valid reports whether s belongs to the status alphabet.
func (s MissionStatus) Valid() bool {
	for _, v := range MissionStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible from s.
func (s MissionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders missions in the queue.
type Priority string

// Priorities, highest first.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns the sort rank of p; lower ranks are scheduled first.
// Unknown priorities sort after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// Mission is a unit of work submitted to the queue.
type Mission struct {
	ID          string
	Prompt      string
	Context     string
	Priority    Priority
	Type        string
	Status      MissionStatus
	TimeoutMs   int64
	MaxRetries  int
	RetryCount  int
	DependsOn   []string
	AssignedTo  *int64 // nil while unassigned; 0 means the orchestrator's local executor
	Result      string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Timeout returns the mission's timeout as a duration.
func (m *Mission) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// MissionUpdate describes the columns changed by a status transition.
// Nil pointer fields are left untouched.
type MissionUpdate struct {
	Status         MissionStatus
	AssignedTo     *int64
	ClearAssigned  bool
	StartedAt      *time.Time
	CompletedAt    *time.Time
	Result         *string
	Error          *string
	IncrementRetry bool // also guards the update with retry_count < max_retries
}

// MessageType distinguishes broadcast from direct cross-node messages.
type MessageType string

// Message types.
const (
	MessageBroadcast MessageType = "broadcast"
	MessageDirect    MessageType = "direct"
)

// MessageStatus is the delivery state of a cross-node message.
type MessageStatus string

// Message delivery states. Status only moves forward, except the
// pending/failed retry loop.
const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
)

// NodeMessage is a cross-node message ledger entry.
type NodeMessage struct {
	MessageID      string
	FromNode       string
	ToNode         *string // nil for broadcast
	Content        string
	Type           MessageType
	Status         MessageStatus
	RetryCount     int
	MaxRetries     int
	SequenceNumber int64
	CreatedAt      time.Time
	SentAt         *time.Time
	DeliveredAt    *time.Time
	ReadAt         *time.Time
}

// MissionStore persists missions and enforces status compare-and-swap.
type MissionStore interface {
	CreateMission(ctx context.Context, m *Mission) error
	GetMission(ctx context.Context, id string) (*Mission, error)
	// ListMissions returns missions in the given statuses ordered by priority
	// rank then creation time. No statuses means all missions.
	ListMissions(ctx context.Context, statuses ...MissionStatus) ([]*Mission, error)
	// MissionStatuses returns the status of every known id in ids.
	MissionStatuses(ctx context.Context, ids []string) (map[string]MissionStatus, error)
	// TransitionMission applies upd only if the mission is currently in one of from.
	TransitionMission(ctx context.Context, id string, from []MissionStatus, upd MissionUpdate) (*Mission, error)
	// ClaimMission atomically moves a ready mission with satisfied dependencies to running.
	ClaimMission(ctx context.Context, id string, agentID int64, at time.Time) (*Mission, error)
}

// MessageStore persists the cross-node message ledger.
type MessageStore interface {
	// SaveMessage allocates the sender's next sequence number and persists msg as pending.
	SaveMessage(ctx context.Context, msg *NodeMessage) error
	// IngestMessage stores a message received from a remote node, keeping its
	// id and sequence. Returns false if the message was already present.
	IngestMessage(ctx context.Context, msg *NodeMessage) (bool, error)
	GetMessage(ctx context.Context, id string) (*NodeMessage, error)
	MarkMessageSent(ctx context.Context, id string, at time.Time) error
	MarkMessageDelivered(ctx context.Context, id string, at time.Time) error
	MarkMessageFailed(ctx context.Context, id string) error
	IncrementMessageRetry(ctx context.Context, id string) (*NodeMessage, error)
	PendingMessages(ctx context.Context, fromNode string, limit int) ([]*NodeMessage, error)
	Inbox(ctx context.Context, node string, limit int) ([]*NodeMessage, error)
	MarkMessageRead(ctx context.Context, id string, at time.Time) error
	UnreadCount(ctx context.Context, node string, since time.Time) (int, error)
	FailedMessages(ctx context.Context, fromNode string, limit int) ([]*NodeMessage, error)
}

// Store is the full persistence surface used by the dispatcher.
type Store interface {
	MissionStore
	MessageStore

	// Close releases any resources held by the store
	Close() error
}
