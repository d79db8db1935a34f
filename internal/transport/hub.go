// ABOUTME: WebSocket hub that authenticates agents, tracks liveness, and routes frames
// ABOUTME: Delivers tasks and RPC envelopes to agents and forwards agent traffic inward

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/metrics"
	"github.com/2389/coven-dispatch/internal/rpc"
	"github.com/2389/coven-dispatch/internal/store"
)

// Defaults for HubOptions.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second

	maxFrameSize = 4 << 20

	// orchestratorID addresses the process hosting the hub.
	orchestratorID int64 = 0
)

// ErrNotConnected indicates the target agent has no live connection.
var ErrNotConnected = errors.New("agent not connected")

// ResultHandler receives result frames from agents.
type ResultHandler func(ctx context.Context, agentID int64, res *ResultFrame)

// EnvelopeHandler receives envelopes addressed to the orchestrator. *rpc.Peer
// satisfies it.
type EnvelopeHandler interface {
	Handle(ctx context.Context, env *rpc.Envelope)
}

// HubOptions configures a Hub.
type HubOptions struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// Hub owns the agent WebSocket endpoint.
type Hub struct {
	registry *agent.Registry
	verifier auth.TokenVerifier
	upgrader websocket.Upgrader

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	writeTimeout      time.Duration

	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	onResult ResultHandler
	local    EnvelopeHandler
}

// NewHub creates a hub that registers authenticated agents in reg.
func NewHub(reg *agent.Registry, verifier auth.TokenVerifier, opts HubOptions) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry: reg,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		writeTimeout:      opts.WriteTimeout,
		metrics:           opts.Metrics,
		logger:            logger.With("component", "transport"),
		now:               time.Now,
	}
}

// SetResultHandler installs the single result handler.
func (h *Hub) SetResultHandler(fn ResultHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onResult = fn
}

// SetLocalHandler installs the orchestrator's envelope handler.
func (h *Hub) SetLocalHandler(l EnvelopeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.local = l
}

// Registry returns the hub's agent registry.
func (h *Hub) Registry() *agent.Registry {
	return h.registry
}

// Handler returns the WebSocket endpoint. Token checks happen before the
// upgrade, so a rejected client never reaches the registry.
func (h *Hub) Handler() http.Handler {
	return auth.RequireAgent(h.verifier, http.HandlerFunc(h.serveWS))
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	if claims == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "agent_id", claims.AgentID, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	sock := NewSocket(ws, h.writeTimeout)
	conn := agent.NewConnection(claims.AgentID, claims.Name, sock, h.now())
	h.registry.Register(conn)

	go h.heartbeat(conn)
	h.readLoop(r.Context(), conn, sock)

	h.registry.Unregister(conn)
	_ = conn.Close()
}

// heartbeat pings the agent and drops it once it has been silent too long.
func (h *Hub) heartbeat(conn *agent.Connection) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if h.now().Sub(conn.LastHeartbeat()) > h.heartbeatTimeout {
				h.registry.Drop(conn, "heartbeat timeout")
				return
			}
			if err := conn.Send(ControlFrame{Type: FramePing}); err != nil {
				h.registry.Drop(conn, "ping failed")
				return
			}
			h.metrics.Frame("out", FramePing)
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, conn *agent.Connection, sock *Socket) {
	logger := h.logger.With("agent_id", conn.ID)
	for {
		data, err := sock.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read loop ended", "error", err)
			}
			return
		}

		frame, err := DecodeFrame(data)
		if err != nil {
			logger.Warn("dropping frame", "error", err)
			continue
		}
		conn.Touch(h.now())
		h.metrics.Frame("in", frame.Type)

		switch frame.Type {
		case FramePong:
		case FramePing:
			_ = conn.Send(ControlFrame{Type: FramePong})
		case FrameResult:
			h.mu.RLock()
			fn := h.onResult
			h.mu.RUnlock()
			if fn == nil {
				logger.Warn("no result handler installed", "task_id", frame.Result.TaskID)
				continue
			}
			fn(ctx, conn.ID, frame.Result)
		case FrameRequest, FrameResponse, FrameEvent:
			frame.Envelope.From.AgentID = conn.ID
			h.route(ctx, conn, frame.Envelope)
		default:
			logger.Warn("dropping unexpected frame from agent", "type", frame.Type)
		}
	}
}

// route forwards an envelope received from conn.
func (h *Hub) route(ctx context.Context, from *agent.Connection, env *rpc.Envelope) {
	if err := env.Validate(); err != nil {
		h.logger.Warn("dropping invalid envelope", "agent_id", from.ID, "error", err)
		if env.Type == rpc.TypeRequest && env.ID != "" {
			h.reply(from, env, rpc.Errorf(rpc.CodeBadRequest, "%v", err))
		}
		return
	}

	if env.Type == rpc.TypeEvent {
		h.deliverLocal(ctx, env)
		h.broadcastEnvelope(env, from.ID)
		return
	}

	target := env.Target()
	if target == orchestratorID {
		h.deliverLocal(ctx, env)
		return
	}

	if err := h.sendEnvelope(target, env); err != nil {
		if env.Type == rpc.TypeRequest {
			h.reply(from, env, rpc.Errorf(rpc.CodeAgentOffline, "agent %d is not connected", target))
			return
		}
		h.logger.Debug("dropping response for offline agent", "agent_id", target, "correlation_id", env.CorrelationID)
	}
}

func (h *Hub) deliverLocal(ctx context.Context, env *rpc.Envelope) {
	h.mu.RLock()
	local := h.local
	h.mu.RUnlock()
	if local == nil {
		if env.Type == rpc.TypeRequest {
			if conn, ok := h.registry.Get(env.From.AgentID); ok {
				h.reply(conn, env, rpc.Errorf(rpc.CodeNotFound, "orchestrator serves no methods"))
			}
		}
		return
	}
	local.Handle(ctx, env)
}

// reply answers req on conn with an error response sent from the orchestrator.
func (h *Hub) reply(conn *agent.Connection, req *rpc.Envelope, rpcErr *rpc.Error) {
	resp := rpc.NewErrorResponse(rpc.Address{}, req, rpcErr, h.now())
	if err := conn.Send(resp); err != nil {
		h.logger.Warn("failed to send error response", "agent_id", conn.ID, "error", err)
	}
}

// SendEnvelope delivers an envelope from the orchestrator. Events go to every
// connected agent; requests and responses go to the addressed agent, failing
// with AGENT_OFFLINE when it is not connected.
func (h *Hub) SendEnvelope(_ context.Context, env *rpc.Envelope) error {
	if env.Type == rpc.TypeEvent {
		h.broadcastEnvelope(env, orchestratorID)
		return nil
	}
	target := env.Target()
	if err := h.sendEnvelope(target, env); err != nil {
		return rpc.Errorf(rpc.CodeAgentOffline, "agent %d: %v", target, err)
	}
	return nil
}

func (h *Hub) sendEnvelope(agentID int64, env *rpc.Envelope) error {
	conn, ok := h.registry.Get(agentID)
	if !ok {
		return ErrNotConnected
	}
	if err := conn.Send(env); err != nil {
		h.registry.Drop(conn, "write failed")
		return fmt.Errorf("writing envelope: %w", err)
	}
	h.metrics.Frame("out", string(env.Type))
	return nil
}

func (h *Hub) broadcastEnvelope(env *rpc.Envelope, except int64) {
	for _, conn := range h.registry.Connections() {
		if conn.ID == except {
			continue
		}
		if err := conn.Send(env); err != nil {
			h.registry.Drop(conn, "write failed")
			continue
		}
		h.metrics.Frame("out", string(env.Type))
	}
}

// ConnectedAgents returns the ids of connected agents in ascending order.
func (h *Hub) ConnectedAgents() []int64 {
	return h.registry.IDs()
}

// SendTask pushes m to agentID. It returns false when the agent is not
// connected or the write fails; a failed write drops the connection.
func (h *Hub) SendTask(agentID int64, m *store.Mission) bool {
	conn, ok := h.registry.Get(agentID)
	if !ok {
		return false
	}
	if err := conn.Send(NewTaskFrame(m, h.now())); err != nil {
		h.logger.Warn("task write failed", "agent_id", agentID, "mission_id", m.ID, "error", err)
		h.registry.Drop(conn, "write failed")
		return false
	}
	conn.SetMission(m.ID)
	h.metrics.Frame("out", FrameTask)
	h.logger.Debug("task sent", "agent_id", agentID, "mission_id", m.ID)
	return true
}

// BroadcastTask pushes m to every connected agent concurrently and returns the
// ids that received it, in ascending order.
func (h *Hub) BroadcastTask(ctx context.Context, m *store.Mission) []int64 {
	var (
		mu        sync.Mutex
		delivered []int64
	)
	g, _ := errgroup.WithContext(ctx)
	for _, id := range h.registry.IDs() {
		g.Go(func() error {
			if h.SendTask(id, m) {
				mu.Lock()
				delivered = append(delivered, id)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(delivered, func(i, j int) bool { return delivered[i] < delivered[j] })
	return delivered
}
