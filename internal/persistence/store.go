package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/conductor/internal/checkpoint"
	"github.com/aristath/conductor/internal/qa"
	"github.com/aristath/conductor/internal/scheduler"
)

var (
	// ErrTaskNotFound is returned when a task id has no row.
	ErrTaskNotFound = errors.New("task not found")
	// ErrStaleTransition is returned when a task is no longer in the expected status.
	ErrStaleTransition = errors.New("task status changed concurrently")
)

// Store defines the persistence interface for run state.
type Store interface {
	// Task DAG operations
	SavePlan(ctx context.Context, plan *scheduler.Plan) error
	SaveTask(ctx context.Context, task *scheduler.Task) error
	GetTask(ctx context.Context, taskID string) (*scheduler.Task, error)
	ListTasks(ctx context.Context) ([]*scheduler.Task, error)
	ListWaves(ctx context.Context) ([]scheduler.Wave, error)
	TransitionTask(ctx context.Context, tr Transition) error

	// QA history
	SaveIteration(ctx context.Context, rec *qa.IterationRecord) error
	ListIterations(ctx context.Context, taskID string) ([]qa.IterationRecord, error)
	OutcomeCounts(ctx context.Context) (map[qa.Outcome]int, error)

	// Checkpoints
	SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]*checkpoint.Checkpoint, error)

	// Escalations and run state
	SaveEscalation(ctx context.Context, esc *Escalation) error
	ListEscalations(ctx context.Context) ([]*Escalation, error)
	SaveRunState(ctx context.Context, rs RunState) error
	LoadRunState(ctx context.Context) (*RunState, error)
	ListAgents(ctx context.Context) ([]AgentRecord, error)

	// Worker sessions
	SaveSession(ctx context.Context, key, sessionID, provider string) error
	GetSession(ctx context.Context, key string) (sessionID string, provider string, err error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode, foreign keys, and busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	return open(ctx, connStr)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Each call
// gets its own database, shared between that store's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:mem-%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", uuid.NewString())
	return open(ctx, connStr)
}

func open(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys via PRAGMA as well, for drivers ignoring _pragma
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection serializes writers; reads never nest queries.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a serializable transaction.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Timestamps are stored as RFC 3339 text.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
