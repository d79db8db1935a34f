// ABOUTME: Represents a single connected agent and its outbound frame channel.
// ABOUTME: Tracks liveness, the mission it is working on, and result counters.

package agent

import (
	"sync"
	"time"
)

// Transport carries frames to one agent. Implementations must be safe for
// concurrent Send calls.
type Transport interface {
	Send(v any) error
	Close() error
}

// Connection represents a connected agent.
type Connection struct {
	ID          int64
	Name        string
	ConnectedAt time.Time

	transport Transport
	closeOnce sync.Once
	closed    chan struct{}

	mu             sync.RWMutex
	lastHeartbeat  time.Time
	currentMission string
	completed      int
	failed         int
}

// NewConnection creates a Connection for an authenticated agent.
func NewConnection(id int64, name string, t Transport, now time.Time) *Connection {
	return &Connection{
		ID:            id,
		Name:          name,
		ConnectedAt:   now,
		transport:     t,
		closed:        make(chan struct{}),
		lastHeartbeat: now,
	}
}

// Send transmits a frame to the agent.
func (c *Connection) Send(v any) error {
	return c.transport.Send(v)
}

// Close closes the underlying transport once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.transport.Close()
	})
	return err
}

// Done is closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Touch records a liveness signal.
func (c *Connection) Touch(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.lastHeartbeat) {
		c.lastHeartbeat = at
	}
}

// LastHeartbeat returns the time of the last liveness signal.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// SetMission records the mission most recently dispatched to the agent.
func (c *Connection) SetMission(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentMission = id
}

// RecordResult updates counters for a finished mission and clears it as
// current when it matches.
func (c *Connection) RecordResult(missionID string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.completed++
	} else {
		c.failed++
	}
	if c.currentMission == missionID {
		c.currentMission = ""
	}
}

// Info returns a point-in-time snapshot of the connection.
func (c *Connection) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		ID:             c.ID,
		Name:           c.Name,
		Connected:      true,
		CurrentMission: c.currentMission,
		Completed:      c.completed,
		Failed:         c.failed,
		ConnectedAt:    c.ConnectedAt,
		LastHeartbeat:  c.lastHeartbeat,
	}
}

// Info contains public information about a connected agent.
type Info struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Connected      bool      `json:"connected"`
	CurrentMission string    `json:"current_mission,omitempty"`
	Completed      int       `json:"completed"`
	Failed         int       `json:"failed"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}
