// ABOUTME: Single-writer scheduling loop that sweeps timeouts and dispatches ready missions
// ABOUTME: Round-robins across connected agents and falls back to the local executor

package mission

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/executor"
	"github.com/2389/coven-dispatch/internal/metrics"
	"github.com/2389/coven-dispatch/internal/store"
)

// Dispatcher delivers missions to connected agents.
type Dispatcher interface {
	ConnectedAgents() []int64
	// SendTask returns false when the agent is unreachable; it never fails harder.
	SendTask(agentID int64, m *store.Mission) bool
}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	TickInterval time.Duration
	// Runner executes missions locally when no agent takes them. Nil disables the fallback.
	Runner  executor.Runner
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Scheduler is the only writer that assigns missions.
type Scheduler struct {
	queue      *Queue
	dispatcher Dispatcher
	runner     executor.Runner
	interval   time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu     sync.Mutex // serializes Tick
	router *agent.Router

	local sync.WaitGroup
}

// NewScheduler creates a scheduler over q dispatching through d.
func NewScheduler(q *Queue, d Dispatcher, opts SchedulerOptions) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		queue:      q,
		dispatcher: d,
		runner:     opts.Runner,
		interval:   opts.TickInterval,
		metrics:    opts.Metrics,
		logger:     logger.With("component", "scheduler"),
		router:     agent.NewRouter(),
	}
}

// Run ticks until ctx is cancelled, then waits for local executions to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "tick_interval", s.interval, "local_fallback", s.runner != nil)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.local.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass: sweep timeouts, refresh readiness, and
// dispatch every queued or retrying mission.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, err := s.queue.SweepTimeouts(ctx); err != nil {
		s.logger.Error("timeout sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("missions timed out", "count", n)
	}

	ready, err := s.queue.SelectReady(ctx)
	if err != nil {
		s.logger.Error("selecting ready missions failed", "error", err)
		return
	}

	agents := s.dispatcher.ConnectedAgents()
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })

	for _, m := range ready {
		if ctx.Err() != nil {
			return
		}
		if m.Status != store.StatusQueued && m.Status != store.StatusRetrying {
			continue
		}
		s.dispatch(ctx, m, agents)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, m *store.Mission, agents []int64) {
	if agentID, err := s.router.SelectAgent(agents); err == nil {
		claimed, err := s.queue.Assign(ctx, m.ID, agentID)
		if err != nil {
			s.logAssignError(m.ID, agentID, err)
			return
		}
		if s.dispatcher.SendTask(agentID, claimed) {
			s.metrics.Dispatch(metrics.DispatchAgent)
			return
		}

		s.logger.Warn("dispatch to agent failed", "mission_id", m.ID, "agent_id", agentID)
		if _, err := s.queue.Release(ctx, m.ID); err != nil {
			s.logger.Error("releasing undeliverable mission failed", "mission_id", m.ID, "error", err)
			return
		}
		if s.runner == nil {
			s.metrics.Dispatch(metrics.DispatchReleased)
			return
		}
	}

	if s.runner == nil {
		return
	}

	claimed, err := s.queue.Assign(ctx, m.ID, OrchestratorID)
	if err != nil {
		s.logAssignError(m.ID, OrchestratorID, err)
		return
	}
	s.metrics.Dispatch(metrics.DispatchLocal)

	s.local.Add(1)
	go func() {
		defer s.local.Done()
		s.runLocal(ctx, claimed)
	}()
}

func (s *Scheduler) runLocal(ctx context.Context, m *store.Mission) {
	logger := s.logger.With("mission_id", m.ID)
	logger.Info("running mission on local executor")

	runCtx, cancel := context.WithTimeout(ctx, m.Timeout())
	defer cancel()

	res, err := s.runner.Run(runCtx, executor.BuildPrompt(m.Prompt, m.Context))

	// Record the outcome even when the scheduler is shutting down.
	recordCtx := context.WithoutCancel(ctx)
	switch {
	case err != nil:
		if _, ferr := s.queue.Fail(recordCtx, m.ID, err.Error()); ferr != nil {
			logger.Warn("recording local failure failed", "error", ferr)
		}
	case res.Failed():
		if _, ferr := s.queue.Fail(recordCtx, m.ID, res.FailureMessage()); ferr != nil {
			logger.Warn("recording local failure failed", "error", ferr)
		}
	default:
		if _, cerr := s.queue.Complete(recordCtx, m.ID, res.Output); cerr != nil {
			logger.Warn("recording local completion failed", "error", cerr)
		}
	}
}

func (s *Scheduler) logAssignError(missionID string, agentID int64, err error) {
	if errors.Is(err, store.ErrConflict) {
		s.logger.Debug("assignment lost", "mission_id", missionID, "agent_id", agentID, "error", err)
		return
	}
	s.logger.Error("assignment failed", "mission_id", missionID, "agent_id", agentID, "error", err)
}
