// ABOUTME: Legal mission status transitions
// ABOUTME: Every queue operation checks this table before touching the store

package mission

import "github.com/2389/coven-dispatch/internal/store"

var allowedTransitions = map[store.MissionStatus]map[store.MissionStatus]struct{}{
	store.StatusPending: {
		store.StatusQueued:    {},
		store.StatusBlocked:   {},
		store.StatusRunning:   {},
		store.StatusCancelled: {},
	},
	store.StatusQueued: {
		store.StatusRunning:   {},
		store.StatusBlocked:   {},
		store.StatusCancelled: {},
	},
	store.StatusBlocked: {
		store.StatusQueued:    {},
		store.StatusCancelled: {},
	},
	store.StatusRetrying: {
		store.StatusRunning:   {},
		store.StatusBlocked:   {},
		store.StatusCancelled: {},
	},
	store.StatusRunning: {
		store.StatusProcessing: {},
		store.StatusCompleted:  {},
		store.StatusFailed:     {},
		store.StatusRetrying:   {},
		store.StatusQueued:     {}, // released after an undeliverable dispatch
		store.StatusCancelled:  {},
	},
	store.StatusProcessing: {
		store.StatusCompleted: {},
		store.StatusFailed:    {},
		store.StatusRetrying:  {},
		store.StatusCancelled: {},
	},
}

// CanTransition reports whether a mission may move from one status to another.
func CanTransition(from, to store.MissionStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Sources lists every status from which to is reachable in one step.
func Sources(to store.MissionStatus) []store.MissionStatus {
	var out []store.MissionStatus
	for _, from := range store.MissionStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
