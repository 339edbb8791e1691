package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Escalation is a task handed to a human, with enough context to act on.
type Escalation struct {
	ID         int64
	TaskID     string
	Reason     string
	Iterations int
	Summary    string
	Worktree   string
	CreatedAt  time.Time
}

// RunState is the coordinator's persisted top-level state.
type RunState struct {
	State      string
	Goal       string
	ActiveWave int
	UpdatedAt  time.Time
}

// SaveEscalation appends an escalation and sets its ID.
func (s *SQLiteStore) SaveEscalation(ctx context.Context, esc *Escalation) error {
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (task_id, reason, iterations, summary, worktree, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, esc.TaskID, esc.Reason, esc.Iterations, esc.Summary, esc.Worktree, formatTime(esc.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save escalation: %w", err)
	}
	if esc.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read escalation id: %w", err)
	}
	return nil
}

// ListEscalations returns escalations oldest first.
func (s *SQLiteStore) ListEscalations(ctx context.Context) ([]*Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, reason, iterations, summary, worktree, created_at
		FROM escalations
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	var out []*Escalation
	for rows.Next() {
		esc := &Escalation{}
		var created string
		if err := rows.Scan(&esc.ID, &esc.TaskID, &esc.Reason, &esc.Iterations, &esc.Summary, &esc.Worktree, &created); err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		esc.CreatedAt = parseTime(created)
		out = append(out, esc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}
	return out, nil
}

// SaveRunState upserts the single run state row.
func (s *SQLiteStore) SaveRunState(ctx context.Context, rs RunState) error {
	if rs.UpdatedAt.IsZero() {
		rs.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_state (id, state, goal, active_wave, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			goal = excluded.goal,
			active_wave = excluded.active_wave,
			updated_at = excluded.updated_at
	`, rs.State, rs.Goal, rs.ActiveWave, formatTime(rs.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save run state: %w", err)
	}
	return nil
}

// LoadRunState returns the run state, or nil if none was saved.
func (s *SQLiteStore) LoadRunState(ctx context.Context) (*RunState, error) {
	rs := &RunState{}
	var updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT state, goal, active_wave, updated_at FROM run_state WHERE id = 1
	`).Scan(&rs.State, &rs.Goal, &rs.ActiveWave, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run state: %w", err)
	}
	rs.UpdatedAt = parseTime(updated)
	return rs, nil
}
