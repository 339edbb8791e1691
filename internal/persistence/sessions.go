package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSession stores the provider session for a task and role key.
// Uses ON CONFLICT to upsert - handles both first-save and resume scenarios.
func (s *SQLiteStore) SaveSession(ctx context.Context, key, sessionID, provider string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_key, session_id, provider, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			session_id = excluded.session_id,
			provider = excluded.provider
	`, key, sessionID, provider, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession retrieves the session stored under key.
// Returns a wrapped sql.ErrNoRows if none exists.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var sessionID, provider string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, provider
		FROM sessions
		WHERE session_key = ?
	`, key).Scan(&sessionID, &provider)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("no session found for %q: %w", key, err)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to query session: %w", err)
	}
	return sessionID, provider, nil
}
