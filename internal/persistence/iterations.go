package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/qa"
)

// SaveIteration appends rec and raises the task's iteration counter in one
// transaction. Records are append-only; saving the same iteration twice fails.
func (s *SQLiteStore) SaveIteration(ctx context.Context, rec *qa.IterationRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode iteration %d of %s: %w", rec.Iteration, rec.TaskID, err)
	}
	created := rec.StartedAt
	if created.IsZero() {
		created = time.Now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO iterations (task_id, iteration, outcome, fingerprint, record, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, rec.TaskID, rec.Iteration, string(rec.Outcome), rec.Fingerprint, string(payload), formatTime(created)); err != nil {
			return fmt.Errorf("failed to insert iteration %d of %s: %w", rec.Iteration, rec.TaskID, err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET iteration = MAX(iteration, ?), updated_at = ?
			WHERE id = ?
		`, rec.Iteration, formatTime(time.Now()), rec.TaskID)
		if err != nil {
			return fmt.Errorf("failed to update iteration counter: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, rec.TaskID)
		}
		return nil
	})
}

// ListIterations returns a task's records in iteration order. Returns an
// empty slice (not nil) if there are none.
func (s *SQLiteStore) ListIterations(ctx context.Context, taskID string) ([]qa.IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record
		FROM iterations
		WHERE task_id = ?
		ORDER BY iteration ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	history := []qa.IterationRecord{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan iteration: %w", err)
		}
		var rec qa.IterationRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode iteration of %s: %w", taskID, err)
		}
		history = append(history, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating iterations: %w", err)
	}
	return history, nil
}

// OutcomeCounts tallies every stored iteration by outcome.
func (s *SQLiteStore) OutcomeCounts(ctx context.Context) (map[qa.Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM iterations GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[qa.Outcome]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		counts[qa.Outcome(outcome)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcome counts: %w", err)
	}
	return counts, nil
}
