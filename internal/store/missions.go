// ABOUTME: SQLite persistence for missions with compare-and-swap status transitions
// ABOUTME: Claims re-check dependency completion inside the same UPDATE statement

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const missionColumns = `id, prompt, context, priority, type, status, timeout_ms, max_retries,
	retry_count, depends_on, assigned_to, result, error, created_at, started_at, completed_at`

// priorityOrder ranks priorities inside SQL; keep in sync with Priority.Rank.
const priorityOrder = `CASE priority
	WHEN 'critical' THEN 0
	WHEN 'high' THEN 1
	WHEN 'normal' THEN 2
	WHEN 'low' THEN 3
	ELSE 4 END`

// CreateMission inserts a new mission. ID and CreatedAt are filled when empty.
func (s *SQLiteStore) CreateMission(ctx context.Context, m *Mission) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.DependsOn == nil {
		m.DependsOn = []string{}
	}

	deps, err := json.Marshal(m.DependsOn)
	if err != nil {
		return fmt.Errorf("encoding depends_on: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO missions (`+missionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Prompt, m.Context, string(m.Priority), m.Type, string(m.Status), m.TimeoutMs, m.MaxRetries,
		m.RetryCount, string(deps), nullableInt(m.AssignedTo), m.Result, m.Error,
		formatTime(m.CreatedAt), formatTimePtr(m.StartedAt), formatTimePtr(m.CompletedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting mission: %w", err)
	}
	return nil
}

// GetMission retrieves a mission by ID.
func (s *SQLiteStore) GetMission(ctx context.Context, id string) (*Mission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	m, err := scanMission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMissions returns missions in the given statuses, highest priority first,
// FIFO within a priority.
func (s *SQLiteStore) ListMissions(ctx context.Context, statuses ...MissionStatus) ([]*Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY ` + priorityOrder + `, created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing missions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var missions []*Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		missions = append(missions, m)
	}
	return missions, rows.Err()
}

// MissionStatuses looks up the current status of each id. Unknown ids are absent from the result.
func (s *SQLiteStore) MissionStatuses(ctx context.Context, ids []string) (map[string]MissionStatus, error) {
	out := make(map[string]MissionStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status FROM missions WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying mission statuses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = MissionStatus(status)
	}
	return out, rows.Err()
}

// TransitionMission applies upd if the mission's current status is one of from.
// Returns ErrConflict when the mission exists in another state.
func (s *SQLiteStore) TransitionMission(ctx context.Context, id string, from []MissionStatus, upd MissionUpdate) (*Mission, error) {
	if len(from) == 0 {
		return nil, errors.New("transition requires at least one source status")
	}

	sets := []string{"status = ?"}
	args := []any{string(upd.Status)}

	switch {
	case upd.ClearAssigned:
		sets = append(sets, "assigned_to = NULL")
	case upd.AssignedTo != nil:
		sets = append(sets, "assigned_to = ?")
		args = append(args, *upd.AssignedTo)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, formatTime(*upd.StartedAt))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*upd.CompletedAt))
	}
	if upd.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, *upd.Result)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if upd.IncrementRetry {
		sets = append(sets, "retry_count = retry_count + 1")
	}

	query := `UPDATE missions SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}
	if upd.IncrementRetry {
		query += ` AND retry_count < max_retries`
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("updating mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.existsOr(ctx, `SELECT 1 FROM missions WHERE id = ?`, id)
	}
	return s.GetMission(ctx, id)
}

// ClaimMission moves a pending, queued, or retrying mission to running for
// agentID. The statement fails to match while any dependency is not completed,
// so concurrent claimers and unmet dependencies both yield ErrConflict.
func (s *SQLiteStore) ClaimMission(ctx context.Context, id string, agentID int64, at time.Time) (*Mission, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE missions SET status = 'running', assigned_to = ?, started_at = ?
		WHERE id = ?
		  AND status IN ('pending', 'queued', 'retrying')
		  AND NOT EXISTS (
			SELECT 1 FROM json_each(missions.depends_on) AS d
			LEFT JOIN missions AS dep ON dep.id = d.value
			WHERE dep.status IS NULL OR dep.status != 'completed'
		  )
	`, agentID, formatTime(at), id)
	if err != nil {
		return nil, fmt.Errorf("claiming mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, s.existsOr(ctx, `SELECT 1 FROM missions WHERE id = ?`, id)
	}
	return s.GetMission(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (*Mission, error) {
	var m Mission
	var priority, status, deps, createdAt string
	var assigned sql.NullInt64
	var startedAt, completedAt sql.NullString

	err := row.Scan(&m.ID, &m.Prompt, &m.Context, &priority, &m.Type, &status, &m.TimeoutMs,
		&m.MaxRetries, &m.RetryCount, &deps, &assigned, &m.Result, &m.Error, &createdAt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	m.Priority = Priority(priority)
	m.Status = MissionStatus(status)
	m.CreatedAt = parseTime(createdAt)
	m.StartedAt = parseNullTime(startedAt)
	m.CompletedAt = parseNullTime(completedAt)
	if assigned.Valid {
		v := assigned.Int64
		m.AssignedTo = &v
	}
	if err := json.Unmarshal([]byte(deps), &m.DependsOn); err != nil {
		return nil, fmt.Errorf("decoding depends_on for %s: %w", m.ID, err)
	}
	return &m, nil
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
