// ABOUTME: Mission queue operations: submit, ready selection, assignment, and terminal transitions
// ABOUTME: Validates against the transition table and publishes every applied change

package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/2389/coven-dispatch/internal/metrics"
	"github.com/2389/coven-dispatch/internal/store"
)

// OrchestratorID is the assigned_to value for missions run by the local executor.
const OrchestratorID int64 = 0

var (
	// ErrInvalidMission is returned by Submit for missions that fail validation.
	ErrInvalidMission = errors.New("invalid mission")

	// ErrInvalidTransition is returned when the mission's current status does
	// not permit the requested operation.
	ErrInvalidTransition = errors.New("invalid transition")
)

var typePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// readyStatuses are the statuses SelectReady considers.
var readyStatuses = []store.MissionStatus{
	store.StatusPending,
	store.StatusQueued,
	store.StatusRunning,
	store.StatusRetrying,
	store.StatusBlocked,
}

// Options configures queue defaults.
type Options struct {
	DefaultTimeout    time.Duration
	DefaultMaxRetries int
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// Queue implements mission lifecycle operations on top of a MissionStore.
type Queue struct {
	store   store.MissionStore
	events  *EventBroadcaster
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewQueue creates a queue. events may be nil.
func NewQueue(s store.MissionStore, events *EventBroadcaster, opts Options) *Queue {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Minute
	}
	if opts.DefaultMaxRetries < 0 {
		opts.DefaultMaxRetries = 0
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:   s,
		events:  events,
		opts:    opts,
		metrics: opts.Metrics,
		logger:  logger.With("component", "mission-queue"),
		now:     time.Now,
	}
}

// Events returns the broadcaster transitions are published on.
func (q *Queue) Events() *EventBroadcaster {
	return q.events
}

// Get returns a mission by id.
func (q *Queue) Get(ctx context.Context, id string) (*store.Mission, error) {
	return q.store.GetMission(ctx, id)
}

// List returns missions in the given statuses, or all missions when none are given.
func (q *Queue) List(ctx context.Context, statuses ...store.MissionStatus) ([]*store.Mission, error) {
	return q.store.ListMissions(ctx, statuses...)
}

// Submit validates m, applies defaults, and persists it as pending.
// A zero MaxRetries takes the configured default.
func (q *Queue) Submit(ctx context.Context, m *store.Mission) (*store.Mission, error) {
	m.Prompt = strings.TrimSpace(m.Prompt)
	if m.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidMission)
	}
	if m.Priority == "" {
		m.Priority = store.PriorityNormal
	}
	if !m.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidMission, m.Priority)
	}
	if m.Type == "" {
		m.Type = "task"
	}
	if !typePattern.MatchString(m.Type) {
		return nil, fmt.Errorf("%w: type %q must match %s", ErrInvalidMission, m.Type, typePattern)
	}
	if m.TimeoutMs < 0 || m.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: timeout and max_retries must not be negative", ErrInvalidMission)
	}
	if m.TimeoutMs == 0 {
		m.TimeoutMs = q.opts.DefaultTimeout.Milliseconds()
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = q.opts.DefaultMaxRetries
	}

	deps, err := normalizeDeps(m.ID, m.DependsOn)
	if err != nil {
		return nil, err
	}
	m.DependsOn = deps

	m.Status = store.StatusPending
	m.RetryCount = 0
	m.AssignedTo = nil
	m.StartedAt = nil
	m.CompletedAt = nil
	m.Result = ""
	m.Error = ""
	m.CreatedAt = q.now()

	if err := q.store.CreateMission(ctx, m); err != nil {
		return nil, fmt.Errorf("creating mission: %w", err)
	}

	q.logger.Info("mission submitted",
		"mission_id", m.ID,
		"priority", m.Priority,
		"type", m.Type,
		"depends_on", len(m.DependsOn))
	q.publish(m, "")
	return m, nil
}

func normalizeDeps(id string, deps []string) ([]string, error) {
	out := make([]string, 0, len(deps))
	seen := make(map[string]struct{}, len(deps))
	for _, dep := range deps {
		dep = strings.TrimSpace(dep)
		if dep == "" {
			continue
		}
		if id != "" && dep == id {
			return nil, fmt.Errorf("%w: mission cannot depend on itself", ErrInvalidMission)
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		out = append(out, dep)
	}
	return out, nil
}

// SelectReady returns missions in pending, queued, running, retrying, or
// blocked, highest priority first and FIFO within a priority. Missions with an
// unmet dependency are moved to blocked; pending or blocked missions whose
// dependencies are all completed move to queued. The returned records carry
// the updated status.
func (q *Queue) SelectReady(ctx context.Context) ([]*store.Mission, error) {
	missions, err := q.store.ListMissions(ctx, readyStatuses...)
	if err != nil {
		return nil, fmt.Errorf("listing ready missions: %w", err)
	}

	var depIDs []string
	for _, m := range missions {
		depIDs = append(depIDs, m.DependsOn...)
	}
	depStatus, err := q.store.MissionStatuses(ctx, depIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving dependencies: %w", err)
	}

	for i, m := range missions {
		if m.Status == store.StatusRunning {
			continue
		}

		var target store.MissionStatus
		switch met := depsMet(m, depStatus); {
		case !met && m.Status != store.StatusBlocked:
			target = store.StatusBlocked
		case met && (m.Status == store.StatusPending || m.Status == store.StatusBlocked):
			target = store.StatusQueued
		default:
			continue
		}

		updated, err := q.apply(ctx, m, target, store.MissionUpdate{})
		if err != nil {
			// A concurrent Cancel or Assign won; keep the stale record out of the result.
			q.logger.Debug("ready transition skipped", "mission_id", m.ID, "to", target, "error", err)
			if current, gerr := q.store.GetMission(ctx, m.ID); gerr == nil {
				missions[i] = current
			}
			continue
		}
		missions[i] = updated
	}

	out := missions[:0]
	for _, m := range missions {
		for _, st := range readyStatuses {
			if m.Status == st {
				out = append(out, m)
				break
			}
		}
	}
	return out, nil
}

// depsMet reports whether every dependency is completed. Unknown ids are unmet.
func depsMet(m *store.Mission, status map[string]store.MissionStatus) bool {
	for _, dep := range m.DependsOn {
		if status[dep] != store.StatusCompleted {
			return false
		}
	}
	return true
}

// Assign moves a pending, queued, or retrying mission to running for agentID.
// The store re-checks dependencies in the same statement; a losing
// concurrent caller or an unmet dependency yields store.ErrConflict.
func (q *Queue) Assign(ctx context.Context, missionID string, agentID int64) (*store.Mission, error) {
	cur, err := q.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.Status, store.StatusRunning) {
		return nil, fmt.Errorf("assigning mission %s in status %s: %w", missionID, cur.Status, store.ErrConflict)
	}

	m, err := q.store.ClaimMission(ctx, missionID, agentID, q.now())
	if err != nil {
		return nil, fmt.Errorf("assigning mission %s: %w", missionID, err)
	}

	q.logger.Info("mission assigned", "mission_id", missionID, "agent_id", agentID)
	q.publish(m, cur.Status)
	return m, nil
}

// MarkProcessing records an agent's interim result frame.
func (q *Queue) MarkProcessing(ctx context.Context, missionID string) (*store.Mission, error) {
	return q.advance(ctx, missionID, store.StatusProcessing, store.MissionUpdate{})
}

// Complete closes a running or processing mission successfully.
func (q *Queue) Complete(ctx context.Context, missionID, result string) (*store.Mission, error) {
	now := q.now()
	return q.advance(ctx, missionID, store.StatusCompleted, store.MissionUpdate{
		Result:      &result,
		CompletedAt: &now,
	})
}

// Fail records a failed attempt. With retries left the mission moves to
// retrying with its assignment cleared; otherwise it is permanently failed
// with errMsg recorded.
func (q *Queue) Fail(ctx context.Context, missionID, errMsg string) (*store.Mission, error) {
	cur, err := q.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if cur.Status != store.StatusRunning && cur.Status != store.StatusProcessing {
		return nil, fmt.Errorf("%w: cannot fail mission in status %s", ErrInvalidTransition, cur.Status)
	}

	if cur.RetryCount < cur.MaxRetries {
		m, err := q.apply(ctx, cur, store.StatusRetrying, store.MissionUpdate{
			Error:          &errMsg,
			ClearAssigned:  true,
			IncrementRetry: true,
		})
		if err != nil {
			return nil, err
		}
		q.logger.Warn("mission attempt failed, retrying",
			"mission_id", missionID,
			"retry_count", m.RetryCount,
			"max_retries", m.MaxRetries,
			"error", errMsg)
		return m, nil
	}

	now := q.now()
	m, err := q.apply(ctx, cur, store.StatusFailed, store.MissionUpdate{
		Error:       &errMsg,
		CompletedAt: &now,
	})
	if err != nil {
		return nil, err
	}
	q.logger.Warn("mission failed permanently", "mission_id", missionID, "error", errMsg)
	return m, nil
}

// Cancel stops a mission that has not reached a terminal status.
func (q *Queue) Cancel(ctx context.Context, missionID string) (*store.Mission, error) {
	now := q.now()
	return q.advance(ctx, missionID, store.StatusCancelled, store.MissionUpdate{CompletedAt: &now})
}

// Release returns a running mission to the queue with its assignment cleared.
func (q *Queue) Release(ctx context.Context, missionID string) (*store.Mission, error) {
	return q.advance(ctx, missionID, store.StatusQueued, store.MissionUpdate{ClearAssigned: true},
		store.StatusRunning)
}

// SweepTimeouts fails every running or processing mission older than its
// timeout. It returns the number of missions swept.
func (q *Queue) SweepTimeouts(ctx context.Context) (int, error) {
	missions, err := q.store.ListMissions(ctx, store.StatusRunning, store.StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("listing running missions: %w", err)
	}

	now := q.now()
	swept := 0
	for _, m := range missions {
		if m.StartedAt == nil || m.TimeoutMs <= 0 {
			continue
		}
		if now.Sub(*m.StartedAt) <= m.Timeout() {
			continue
		}
		if _, err := q.Fail(ctx, m.ID, fmt.Sprintf("timeout after %s", m.Timeout())); err != nil {
			q.logger.Debug("timeout sweep skipped mission", "mission_id", m.ID, "error", err)
			continue
		}
		q.metrics.MissionTimeout()
		swept++
	}
	return swept, nil
}

// advance loads the mission and applies the transition to status to.
// When only is non-empty the current status must also be one of only.
func (q *Queue) advance(ctx context.Context, missionID string, to store.MissionStatus, upd store.MissionUpdate, only ...store.MissionStatus) (*store.Mission, error) {
	cur, err := q.store.GetMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if len(only) > 0 && !containsStatus(only, cur.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	return q.apply(ctx, cur, to, upd)
}

// apply moves cur to status to, guarded by a compare-and-swap on cur.Status.
func (q *Queue) apply(ctx context.Context, cur *store.Mission, to store.MissionStatus, upd store.MissionUpdate) (*store.Mission, error) {
	if !CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}

	upd.Status = to
	m, err := q.store.TransitionMission(ctx, cur.ID, []store.MissionStatus{cur.Status}, upd)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: mission %s changed concurrently: %w", ErrInvalidTransition, cur.ID, err)
		}
		return nil, fmt.Errorf("transitioning mission %s: %w", cur.ID, err)
	}

	q.logger.Debug("mission transitioned", "mission_id", m.ID, "from", cur.Status, "to", to)
	q.publish(m, cur.Status)
	return m, nil
}

func (q *Queue) publish(m *store.Mission, from store.MissionStatus) {
	q.metrics.MissionTransition(string(from), string(m.Status))
	if q.events == nil {
		return
	}
	q.events.Publish(Event{Mission: m, From: from, To: m.Status})
}

func containsStatus(list []store.MissionStatus, s store.MissionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
