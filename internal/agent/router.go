// ABOUTME: Round-robin selection across connected agent ids.
// ABOUTME: The cursor persists across calls so load spreads over scheduling passes.

package agent

import (
	"errors"
	"sync/atomic"
)

// ErrNoAgentsAvailable indicates no agents are available to handle a request.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Router selects agents using a round-robin strategy.
type Router struct {
	current uint64
}

// NewRouter creates a new Router instance.
func NewRouter() *Router {
	return &Router{}
}

// SelectAgent picks an agent id from ids using round-robin selection.
// Returns ErrNoAgentsAvailable if ids is empty.
func (r *Router) SelectAgent(ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, ErrNoAgentsAvailable
	}

	idx := atomic.AddUint64(&r.current, 1) - 1
	return ids[idx%uint64(len(ids))], nil
}
