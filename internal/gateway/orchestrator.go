// ABOUTME: Orchestrator side of the agent protocol: result frames and RPC methods on agent id 0
// ABOUTME: Agents report mission outcomes here and may submit or inspect missions over RPC

package gateway

import (
	"context"
	"errors"

	"github.com/2389/coven-dispatch/internal/mission"
	"github.com/2389/coven-dispatch/internal/rpc"
	"github.com/2389/coven-dispatch/internal/store"
	"github.com/2389/coven-dispatch/internal/transport"
)

// Methods served by the orchestrator.
const (
	MethodMissionSubmit = "mission.submit"
	MethodMissionGet    = "mission.get"
	MethodAgentsList    = "agents.list"
)

// handleResult applies an agent's result frame to the mission it was assigned.
// Frames from agents that do not hold the mission are ignored.
func (g *Gateway) handleResult(ctx context.Context, agentID int64, res *transport.ResultFrame) {
	logger := g.logger.With("agent_id", agentID, "mission_id", res.TaskID, "status", res.Status)

	m, err := g.queue.Get(ctx, res.TaskID)
	if err != nil {
		logger.Warn("result for unknown mission", "error", err)
		return
	}
	if m.AssignedTo == nil || *m.AssignedTo != agentID {
		logger.Warn("ignoring result from agent not assigned to mission")
		return
	}

	switch res.Status {
	case transport.ResultProcessing:
		_, err = g.queue.MarkProcessing(ctx, m.ID)
	case transport.ResultCompleted:
		_, err = g.queue.Complete(ctx, m.ID, res.Output)
		g.recordAgentResult(agentID, m.ID, err == nil)
	case transport.ResultFailed:
		msg := res.Output
		if msg == "" {
			msg = "agent reported failure"
		}
		_, err = g.queue.Fail(ctx, m.ID, msg)
		g.recordAgentResult(agentID, m.ID, false)
	}

	switch {
	case err == nil:
		logger.Debug("result applied", "duration_ms", res.DurationMs)
	case errors.Is(err, mission.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		logger.Warn("result does not apply to mission state", "error", err)
	default:
		logger.Error("applying result failed", "error", err)
	}
}

func (g *Gateway) recordAgentResult(agentID int64, missionID string, success bool) {
	if conn, ok := g.registry.Get(agentID); ok {
		conn.RecordResult(missionID, success)
	}
}

type missionGetParams struct {
	ID string `json:"id"`
}

func (g *Gateway) registerOrchestratorMethods() {
	g.peer.On(MethodMissionSubmit, func(ctx context.Context, req *rpc.Request) (any, error) {
		var params SubmitMissionRequest
		if err := req.Decode(&params); err != nil {
			return nil, err
		}
		m, err := g.queue.Submit(ctx, params.toMission())
		if err != nil {
			return nil, queueRPCError(err)
		}
		g.logger.Info("mission submitted by agent", "agent_id", req.From.AgentID, "mission_id", m.ID)
		return missionResponse(m), nil
	})

	g.peer.On(MethodMissionGet, func(ctx context.Context, req *rpc.Request) (any, error) {
		var params missionGetParams
		if err := req.Decode(&params); err != nil {
			return nil, err
		}
		if params.ID == "" {
			return nil, rpc.Errorf(rpc.CodeBadRequest, "id is required")
		}
		m, err := g.queue.Get(ctx, params.ID)
		if err != nil {
			return nil, queueRPCError(err)
		}
		return missionResponse(m), nil
	})

	g.peer.On(MethodAgentsList, func(context.Context, *rpc.Request) (any, error) {
		return ListAgentsResponse{Agents: g.registry.List()}, nil
	})
}

// queueRPCError maps queue and store errors onto RPC codes.
func queueRPCError(err error) error {
	switch {
	case errors.Is(err, mission.ErrInvalidMission),
		errors.Is(err, store.ErrDuplicate):
		return rpc.Errorf(rpc.CodeBadRequest, "%v", err)
	case errors.Is(err, store.ErrNotFound):
		return rpc.Errorf(rpc.CodeNotFound, "mission not found")
	default:
		return err
	}
}
