// ABOUTME: HTTP API for submitting, inspecting, and cancelling missions and listing agents
// ABOUTME: Maps queue and store sentinel errors onto HTTP status codes with JSON bodies

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/mission"
	"github.com/2389/coven-dispatch/internal/rpc"
	"github.com/2389/coven-dispatch/internal/store"
	"github.com/2389/coven-dispatch/internal/worker"
)

const (
	maxRequestBody     = 1 << 20
	agentStatusTimeout = 5 * time.Second
)

// SubmitMissionRequest is the JSON request body for POST /api/missions.
type SubmitMissionRequest struct {
	ID         string   `json:"id,omitempty"`
	Prompt     string   `json:"prompt"`
	Context    string   `json:"context,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Type       string   `json:"type,omitempty"`
	TimeoutMs  int64    `json:"timeout_ms,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

func (r SubmitMissionRequest) toMission() *store.Mission {
	return &store.Mission{
		ID:         strings.TrimSpace(r.ID),
		Prompt:     r.Prompt,
		Context:    r.Context,
		Priority:   store.Priority(r.Priority),
		Type:       r.Type,
		TimeoutMs:  r.TimeoutMs,
		MaxRetries: r.MaxRetries,
		DependsOn:  r.DependsOn,
	}
}

// MissionResponse is the JSON form of a mission.
type MissionResponse struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	Context     string     `json:"context,omitempty"`
	Priority    string     `json:"priority"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	TimeoutMs   int64      `json:"timeout_ms"`
	MaxRetries  int        `json:"max_retries"`
	RetryCount  int        `json:"retry_count"`
	DependsOn   []string   `json:"depends_on"`
	AssignedTo  *int64     `json:"assigned_to"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func missionResponse(m *store.Mission) MissionResponse {
	deps := m.DependsOn
	if deps == nil {
		deps = []string{}
	}
	return MissionResponse{
		ID:          m.ID,
		Prompt:      m.Prompt,
		Context:     m.Context,
		Priority:    string(m.Priority),
		Type:        m.Type,
		Status:      string(m.Status),
		TimeoutMs:   m.TimeoutMs,
		MaxRetries:  m.MaxRetries,
		RetryCount:  m.RetryCount,
		DependsOn:   deps,
		AssignedTo:  m.AssignedTo,
		Result:      m.Result,
		Error:       m.Error,
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
}

// ListMissionsResponse is the JSON response for GET /api/missions.
type ListMissionsResponse struct {
	Missions []MissionResponse `json:"missions"`
}

// ListAgentsResponse is the JSON response for GET /api/agents.
type ListAgentsResponse struct {
	Agents []agent.Info `json:"agents"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/missions", g.handleMissions)
	mux.HandleFunc("/api/missions/", g.handleMissionRoutes)
	mux.HandleFunc("/api/agents", g.handleListAgents)
	mux.HandleFunc("/api/agents/", g.handleAgentRoutes)
}

// handleMissions handles POST (submit) and GET (list) on /api/missions.
func (g *Gateway) handleMissions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleSubmitMission(w, r)
	case http.MethodGet:
		g.handleListMissions(w, r)
	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (g *Gateway) handleSubmitMission(w http.ResponseWriter, r *http.Request) {
	req, err := parseSubmitRequest(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	m, err := g.queue.Submit(r.Context(), req.toMission())
	if err != nil {
		g.writeQueueError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, missionResponse(m))
}

// parseSubmitRequest decodes a SubmitMissionRequest. Field validation is left
// to the queue.
func parseSubmitRequest(r io.Reader) (*SubmitMissionRequest, error) {
	var req SubmitMissionRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	return &req, nil
}

// handleListMissions handles GET /api/missions?status=a,b.
func (g *Gateway) handleListMissions(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	missions, err := g.queue.List(r.Context(), statuses...)
	if err != nil {
		g.writeQueueError(w, err)
		return
	}

	resp := ListMissionsResponse{Missions: make([]MissionResponse, 0, len(missions))}
	for _, m := range missions {
		resp.Missions = append(resp.Missions, missionResponse(m))
	}
	g.sendJSON(w, http.StatusOK, resp)
}

func parseStatuses(raw string) ([]store.MissionStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []store.MissionStatus
	for _, part := range strings.Split(raw, ",") {
		s := store.MissionStatus(strings.TrimSpace(part))
		if !s.Valid() {
			return nil, errors.New("unknown status: " + string(s))
		}
		out = append(out, s)
	}
	return out, nil
}

// handleMissionRoutes dispatches /api/missions/{id}, /api/missions/{id}/cancel,
// and /api/missions/{id}/events.
func (g *Gateway) handleMissionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/missions/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		g.sendJSONError(w, http.StatusNotFound, "mission id required")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		m, err := g.queue.Get(r.Context(), id)
		if err != nil {
			g.writeQueueError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, missionResponse(m))
	case "cancel":
		if r.Method != http.MethodPost {
			g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		m, err := g.queue.Cancel(r.Context(), id)
		if err != nil {
			g.writeQueueError(w, err)
			return
		}
		g.sendJSON(w, http.StatusOK, missionResponse(m))
	case "events":
		if r.Method != http.MethodGet {
			g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		g.handleMissionEvents(w, r, id)
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleListAgents handles GET /api/agents.
func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	g.sendJSON(w, http.StatusOK, ListAgentsResponse{Agents: g.registry.List()})
}

// handleAgentRoutes handles GET /api/agents/{id}/status, which queries the
// agent itself over RPC.
func (g *Gateway) handleAgentRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	rawID, action, _ := strings.Cut(rest, "/")
	if action != "status" {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	agentID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || agentID <= 0 {
		g.sendJSONError(w, http.StatusBadRequest, "invalid agent id")
		return
	}

	result, err := g.peer.Query(r.Context(), rpc.Address{AgentID: agentID}, worker.StatusMethod, nil,
		rpc.QueryOptions{Timeout: agentStatusTimeout})
	if err != nil {
		g.sendJSONError(w, rpcStatus(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result)
}

// rpcStatus maps an RPC failure onto an HTTP status.
func rpcStatus(err error) int {
	switch rpc.CodeOf(err) {
	case rpc.CodeAgentOffline, rpc.CodeNotFound:
		return http.StatusNotFound
	case rpc.CodeTimeout:
		return http.StatusGatewayTimeout
	case rpc.CodeBadRequest:
		return http.StatusBadRequest
	case rpc.CodeUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

// writeQueueError maps queue and store errors onto HTTP statuses.
func (g *Gateway) writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mission.ErrInvalidMission):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "mission not found")
	case errors.Is(err, mission.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrDuplicate):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	default:
		g.logger.Error("mission request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
