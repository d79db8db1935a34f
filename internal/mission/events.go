// ABOUTME: In-memory fan-out of mission status changes
// ABOUTME: Subscribers listen on a mission id or on every mission via the wildcard key

package mission

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllMissions subscribes to events for every mission.
	AllMissions = "*"
)

// Event describes one applied status transition. From is empty for a newly
// submitted mission.
type Event struct {
	Mission *store.Mission
	From    store.MissionStatus
	To      store.MissionStatus
}

// EventBroadcaster provides in-memory pub/sub for mission transitions.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Event // missionID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan Event),
		logger:      logger.With("component", "mission-events"),
	}
}

// Subscribe registers for events on missionID, or on every mission when
// missionID is AllMissions. The subscription is cleaned up when ctx is
// cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, missionID string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[missionID]; !ok {
		b.subscribers[missionID] = make(map[string]chan Event)
	}
	b.subscribers[missionID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "mission_id", missionID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(missionID, subID)
	}()

	return ch, subID
}

// Publish delivers ev to the mission's subscribers and to wildcard subscribers.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *EventBroadcaster) Publish(ev Event) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range [2]string{ev.Mission.ID, AllMissions} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- ev:
			default:
				b.logger.Debug("dropped event for slow subscriber",
					"mission_id", ev.Mission.ID,
					"to", ev.To)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(missionID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[missionID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, missionID)
	}

	b.logger.Debug("subscriber removed", "mission_id", missionID, "sub_id", subID)
}

// Close closes every subscriber channel.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}
}
