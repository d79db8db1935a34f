// ABOUTME: Mission transition streaming over SSE and fan-out to agents as RPC events
// ABOUTME: Both consume the queue's EventBroadcaster

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/2389/coven-dispatch/internal/mission"
)

// MissionEventTopicPrefix prefixes the RPC event topic for each transition,
// e.g. "mission.completed".
const MissionEventTopicPrefix = "mission."

// MissionEvent is the payload of a mission transition, on SSE and over RPC.
type MissionEvent struct {
	From    string          `json:"from,omitempty"`
	To      string          `json:"to"`
	Mission MissionResponse `json:"mission"`
}

func missionEvent(ev mission.Event) MissionEvent {
	return MissionEvent{
		From:    string(ev.From),
		To:      string(ev.To),
		Mission: missionResponse(ev.Mission),
	}
}

// handleMissionEvents streams transitions of one mission as SSE until the
// mission reaches a terminal status or the client goes away. The current
// state is sent first as a "snapshot" event.
func (g *Gateway) handleMissionEvents(w http.ResponseWriter, r *http.Request, id string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the snapshot so no transition falls between them.
	ch, _ := g.events.Subscribe(ctx, id)

	m, err := g.queue.Get(ctx, id)
	if err != nil {
		g.writeQueueError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	g.writeSSEEvent(w, "snapshot", missionResponse(m))
	flusher.Flush()
	if m.Status.Terminal() {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.To), missionEvent(ev))
			flusher.Flush()
			if ev.To.Terminal() {
				return
			}
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// forwardMissionEvents emits every mission transition to connected agents as
// an RPC event until ctx is cancelled.
func (g *Gateway) forwardMissionEvents(ctx context.Context) {
	ch, _ := g.events.Subscribe(ctx, mission.AllMissions)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if g.registry.Count() == 0 {
				continue
			}
			topic := MissionEventTopicPrefix + string(ev.To)
			if err := g.peer.Emit(ctx, topic, missionEvent(ev)); err != nil {
				g.logger.Debug("emitting mission event failed", "topic", topic, "error", err)
			}
		}
	}
}
