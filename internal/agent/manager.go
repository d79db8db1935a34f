// ABOUTME: Registry of connected agents keyed by numeric id.
// ABOUTME: A new connection for an id always supersedes and closes the old one.

package agent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-dispatch/internal/metrics"
)

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// Registry tracks the live connection of every agent.
type Registry struct {
	agents  map[int64]*Connection
	mu      sync.RWMutex
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents:  make(map[int64]*Connection),
		metrics: m,
		logger:  logger.With("component", "agent-registry"),
	}
}

// Register makes conn the live connection for its id. Any previous
// connection for the same id is closed and returned.
func (r *Registry) Register(conn *Connection) *Connection {
	r.mu.Lock()
	prev := r.agents[conn.ID]
	r.agents[conn.ID] = conn
	total := len(r.agents)
	r.mu.Unlock()

	r.metrics.SetConnectedAgents(total)

	if prev != nil {
		r.logger.Warn("superseding existing connection", "agent_id", conn.ID)
		_ = prev.Close()
	}

	r.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"name", conn.Name,
		"total_agents", total,
	)
	return prev
}

// Unregister removes conn if it is still the live connection for its id. A
// connection that was already superseded leaves the registry untouched.
func (r *Registry) Unregister(conn *Connection) bool {
	r.mu.Lock()
	current, ok := r.agents[conn.ID]
	removed := ok && current == conn
	if removed {
		delete(r.agents, conn.ID)
	}
	total := len(r.agents)
	r.mu.Unlock()

	if !removed {
		return false
	}

	r.metrics.SetConnectedAgents(total)
	r.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.ID,
		"name", conn.Name,
		"total_agents", total,
	)
	return true
}

// Get retrieves the live connection for id.
func (r *Registry) Get(id int64) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.agents[id]
	return conn, ok
}

// IsOnline checks whether an agent with the given id is currently connected.
func (r *Registry) IsOnline(id int64) bool {
	_, ok := r.Get(id)
	return ok
}

// IDs returns the connected agent ids in ascending order.
func (r *Registry) IDs() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Connections returns every live connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.agents))
	for _, c := range r.agents {
		conns = append(conns, c)
	}
	return conns
}

// List returns information about all connected agents ordered by id.
func (r *Registry) List() []Info {
	conns := r.Connections()
	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Count returns the number of connected agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Stale returns connections whose last heartbeat is older than timeout at now.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []*Connection {
	var stale []*Connection
	for _, c := range r.Connections() {
		if now.Sub(c.LastHeartbeat()) > timeout {
			stale = append(stale, c)
		}
	}
	return stale
}

// Drop unregisters and closes conn.
func (r *Registry) Drop(conn *Connection, reason string) {
	if r.Unregister(conn) {
		r.logger.Warn("dropping agent", "agent_id", conn.ID, "reason", reason)
	}
	_ = conn.Close()
}
