// ABOUTME: Tests for mission persistence in the SQLite store
// ABOUTME: Covers ordering, compare-and-swap transitions, dependency-aware claims, and retry bounds

package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newMission(id string, p Priority, deps ...string) *Mission {
	return &Mission{
		ID:         id,
		Prompt:     "do " + id,
		Priority:   p,
		Type:       "task",
		Status:     StatusPending,
		TimeoutMs:  60_000,
		MaxRetries: 2,
		DependsOn:  deps,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dispatch.db")

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()

	m := newMission("m1", PriorityNormal)
	if err := s.CreateMission(context.Background(), m); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
}

func TestCreateAndGetMission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newMission("", PriorityHigh, "dep-a", "dep-b")
	m.Context = "repo: coven"
	if err := s.CreateMission(ctx, m); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected ID to be generated")
	}

	got, err := s.GetMission(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMission: %v", err)
	}
	if got.Priority != PriorityHigh || got.Status != StatusPending {
		t.Errorf("unexpected mission: priority=%s status=%s", got.Priority, got.Status)
	}
	if got.Context != "repo: coven" {
		t.Errorf("context = %q", got.Context)
	}
	if len(got.DependsOn) != 2 || got.DependsOn[0] != "dep-a" {
		t.Errorf("depends_on = %v", got.DependsOn)
	}
	if got.AssignedTo != nil {
		t.Errorf("expected unassigned mission, got %d", *got.AssignedTo)
	}

	if err := s.CreateMission(ctx, newMission(m.ID, PriorityLow)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetMission_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetMission(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListMissions_PriorityThenFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, tc := range []struct {
		id string
		p  Priority
	}{
		{"low-1", PriorityLow},
		{"normal-1", PriorityNormal},
		{"critical-1", PriorityCritical},
		{"normal-2", PriorityNormal},
		{"high-1", PriorityHigh},
	} {
		m := newMission(tc.id, tc.p)
		m.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		if err := s.CreateMission(ctx, m); err != nil {
			t.Fatalf("CreateMission %s: %v", tc.id, err)
		}
	}

	missions, err := s.ListMissions(ctx, StatusPending)
	if err != nil {
		t.Fatalf("ListMissions: %v", err)
	}

	want := []string{"critical-1", "high-1", "normal-1", "normal-2", "low-1"}
	if len(missions) != len(want) {
		t.Fatalf("expected %d missions, got %d", len(want), len(missions))
	}
	for i, id := range want {
		if missions[i].ID != id {
			t.Errorf("position %d: want %s, got %s", i, id, missions[i].ID)
		}
	}
}

func TestClaimMission_SingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateMission(ctx, newMission("m1", PriorityNormal)); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, conflicts := 0, 0
	for agent := int64(1); agent <= 10; agent++ {
		wg.Add(1)
		go func(agentID int64) {
			defer wg.Done()
			_, err := s.ClaimMission(ctx, "m1", agentID, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(agent)
	}
	wg.Wait()

	if wins != 1 || conflicts != 9 {
		t.Errorf("expected 1 winner and 9 conflicts, got %d/%d", wins, conflicts)
	}

	got, _ := s.GetMission(ctx, "m1")
	if got.Status != StatusRunning || got.AssignedTo == nil || got.StartedAt == nil {
		t.Errorf("claimed mission not recorded: %+v", got)
	}
}

func TestClaimMission_RequiresCompletedDependencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateMission(ctx, newMission("m1", PriorityNormal)); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if err := s.CreateMission(ctx, newMission("m2", PriorityNormal, "m1")); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if err := s.CreateMission(ctx, newMission("m3", PriorityNormal, "ghost")); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	if _, err := s.ClaimMission(ctx, "m2", 1, time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for unmet dependency, got %v", err)
	}
	if _, err := s.ClaimMission(ctx, "m3", 1, time.Now()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for unknown dependency, got %v", err)
	}

	if _, err := s.ClaimMission(ctx, "m1", 1, time.Now()); err != nil {
		t.Fatalf("ClaimMission m1: %v", err)
	}
	done := "ok"
	if _, err := s.TransitionMission(ctx, "m1", []MissionStatus{StatusRunning},
		MissionUpdate{Status: StatusCompleted, Result: &done}); err != nil {
		t.Fatalf("complete m1: %v", err)
	}

	if _, err := s.ClaimMission(ctx, "m2", 1, time.Now()); err != nil {
		t.Fatalf("expected m2 claimable after m1 completed, got %v", err)
	}
	if _, err := s.ClaimMission(ctx, "nope", 1, time.Now()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransitionMission_ConflictAndRetryBound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := newMission("m1", PriorityNormal)
	m.MaxRetries = 1
	if err := s.CreateMission(ctx, m); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	if _, err := s.TransitionMission(ctx, "m1", []MissionStatus{StatusRunning},
		MissionUpdate{Status: StatusCompleted}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	retry := MissionUpdate{Status: StatusRetrying, IncrementRetry: true, ClearAssigned: true}
	got, err := s.TransitionMission(ctx, "m1", []MissionStatus{StatusPending}, retry)
	if err != nil {
		t.Fatalf("first retry: %v", err)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}

	if _, err := s.TransitionMission(ctx, "m1", []MissionStatus{StatusRetrying}, retry); !errors.Is(err, ErrConflict) {
		t.Errorf("expected retry beyond max_retries to conflict, got %v", err)
	}
}

func TestMissionStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateMission(ctx, newMission("a", PriorityNormal)); err != nil {
		t.Fatalf("CreateMission: %v", err)
	}

	statuses, err := s.MissionStatuses(ctx, []string{"a", "ghost"})
	if err != nil {
		t.Fatalf("MissionStatuses: %v", err)
	}
	if statuses["a"] != StatusPending {
		t.Errorf("a = %q", statuses["a"])
	}
	if _, ok := statuses["ghost"]; ok {
		t.Error("unknown id should be absent")
	}
}

func TestMissionStatusAlphabet(t *testing.T) {
	if len(MissionStatuses) != 9 {
		t.Fatalf("expected nine statuses, got %d", len(MissionStatuses))
	}
	for _, st := range MissionStatuses {
		if !st.Valid() {
			t.Errorf("%s should be valid", st)
		}
	}
	if MissionStatus("done").Valid() {
		t.Error("unexpected status accepted")
	}
	if !StatusCancelled.Terminal() || StatusRetrying.Terminal() {
		t.Error("terminal classification wrong")
	}
	if PriorityCritical.Rank() >= PriorityLow.Rank() || Priority("urgent").Valid() {
		t.Error("priority ranking wrong")
	}
}
