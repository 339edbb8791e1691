package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/conductor/internal/checkpoint"
)

// SaveCheckpoint inserts an immutable checkpoint. Ids are never reused.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (id, created_at, trigger_kind, reason, git_ref, hash, pending, completed, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, cp.ID, formatTime(cp.CreatedAt), string(cp.Trigger), cp.Reason, cp.GitRef, cp.Hash, cp.Pending, cp.Completed, cp.Payload)
		if err != nil {
			return fmt.Errorf("failed to insert checkpoint %s: %w", cp.ID, err)
		}
		return nil
	})
}

// GetCheckpoint loads a checkpoint including its payload.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, trigger_kind, reason, git_ref, hash, pending, completed, payload
		FROM checkpoints
		WHERE id = ?
	`, id)

	cp, err := scanCheckpoint(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	return cp, nil
}

// ListCheckpoints returns checkpoint headers, newest first. Payloads are not loaded.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context) ([]*checkpoint.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, trigger_kind, reason, git_ref, hash, pending, completed
		FROM checkpoints
		ORDER BY created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows, false)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoints: %w", err)
	}
	return cps, nil
}

func scanCheckpoint(row rowScanner, withPayload bool) (*checkpoint.Checkpoint, error) {
	cp := &checkpoint.Checkpoint{}
	var created, trigger string
	dest := []any{&cp.ID, &created, &trigger, &cp.Reason, &cp.GitRef, &cp.Hash, &cp.Pending, &cp.Completed}
	if withPayload {
		dest = append(dest, &cp.Payload)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	cp.CreatedAt = parseTime(created)
	cp.Trigger = checkpoint.Trigger(trigger)
	return cp, nil
}
