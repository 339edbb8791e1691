package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/scheduler"
)

// AgentRecord is an agent row, written alongside task transitions.
type AgentRecord struct {
	ID           string
	Role         string
	Status       string
	TaskID       string
	WorktreePath string
	Completed    int
	Failed       int
	ActiveTime   time.Duration
	UpdatedAt    time.Time
}

// Transition moves a task between statuses. If Agent is set, its row is
// written in the same transaction so task and pool state never drift.
type Transition struct {
	TaskID string
	From   scheduler.TaskStatus // empty skips the optimistic check
	To     scheduler.TaskStatus
	Reason string
	Agent  *AgentRecord
	At     time.Time
}

const upsertTask = `
	INSERT INTO tasks (id, seq, name, description, role, estimated_minutes, priority, files, status, wave, iteration, reason, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		seq = excluded.seq,
		name = excluded.name,
		description = excluded.description,
		role = excluded.role,
		estimated_minutes = excluded.estimated_minutes,
		priority = excluded.priority,
		files = excluded.files,
		status = excluded.status,
		wave = excluded.wave,
		iteration = MAX(tasks.iteration, excluded.iteration),
		reason = excluded.reason,
		updated_at = excluded.updated_at
`

const selectTask = `
	SELECT id, seq, name, description, role, estimated_minutes, priority, files, status, wave, iteration, reason, created_at, updated_at
	FROM tasks
`

func execUpsertTask(ctx context.Context, tx *sql.Tx, task *scheduler.Task) error {
	files, err := json.Marshal(nonNil(task.Files))
	if err != nil {
		return fmt.Errorf("failed to encode files of %s: %w", task.ID, err)
	}
	created := task.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = tx.ExecContext(ctx, upsertTask,
		task.ID, task.Seq, task.Name, task.Description, task.Role, task.EstimatedMinutes, task.Priority,
		string(files), string(task.Status), task.Wave, task.Iteration, task.Reason,
		formatTime(created), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	return nil
}

func execReplaceDeps(ctx context.Context, tx *sql.Tx, task *scheduler.Task) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for _, depID := range task.DependsOn {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, depID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("foreign key constraint failed: dependency task %s does not exist", depID)
		}
		if err != nil {
			return fmt.Errorf("failed to check dependency existence: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID); err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}
	return nil
}

// SaveTask saves or updates a task and its dependencies. Dependencies must
// already exist. The stored iteration counter never decreases.
func (s *SQLiteStore) SaveTask(ctx context.Context, task *scheduler.Task) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := execUpsertTask(ctx, tx, task); err != nil {
			return err
		}
		return execReplaceDeps(ctx, tx, task)
	})
}

// SavePlan stores every task of plan and replaces the wave table in one
// transaction. Rows for tasks the plan dropped are deleted if they never
// started.
func (s *SQLiteStore) SavePlan(ctx context.Context, plan *scheduler.Plan) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		keep := make(map[string]bool, len(plan.Tasks))
		for _, t := range plan.Tasks {
			keep[t.ID] = true
			if err := execUpsertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, t := range plan.Tasks {
			if err := execReplaceDeps(ctx, tx, t); err != nil {
				return err
			}
		}

		rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE status IN (?, ?)`, scheduler.TaskPending, scheduler.TaskReady)
		if err != nil {
			return fmt.Errorf("failed to query unstarted tasks: %w", err)
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan task id: %w", err)
			}
			if !keep[id] {
				stale = append(stale, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating tasks: %w", err)
		}
		for _, id := range stale {
			if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
				return fmt.Errorf("failed to delete dropped task %s: %w", id, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM waves`); err != nil {
			return fmt.Errorf("failed to clear waves: %w", err)
		}
		for _, w := range plan.Waves {
			ids, err := json.Marshal(nonNil(w.TaskIDs))
			if err != nil {
				return fmt.Errorf("failed to encode wave %d: %w", w.Index, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO waves (idx, task_ids) VALUES (?, ?)`, w.Index, string(ids)); err != nil {
				return fmt.Errorf("failed to insert wave %d: %w", w.Index, err)
			}
		}
		return nil
	})
}

// GetTask retrieves a task by ID, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, selectTask+` WHERE id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	deps, err := s.dependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps[taskID]
	if task.DependsOn == nil {
		task.DependsOn = []string{}
	}
	return task, nil
}

// ListTasks returns all tasks with their dependencies in insertion order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, selectTask+` ORDER BY seq, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	deps, err := s.dependencies(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		t.DependsOn = deps[t.ID]
		if t.DependsOn == nil {
			t.DependsOn = []string{}
		}
	}
	return tasks, nil
}

// dependencies loads edges for one task, or for all tasks if taskID is empty.
func (s *SQLiteStore) dependencies(ctx context.Context, taskID string) (map[string][]string, error) {
	query := `SELECT task_id, depends_on_id FROM task_dependencies`
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies: %w", err)
	}
	defer rows.Close()

	deps := make(map[string][]string)
	for rows.Next() {
		var id, dep string
		if err := rows.Scan(&id, &dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps[id] = append(deps[id], dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// ListWaves returns the stored waves in index order.
func (s *SQLiteStore) ListWaves(ctx context.Context) ([]scheduler.Wave, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT idx, task_ids FROM waves ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("failed to query waves: %w", err)
	}
	defer rows.Close()

	var waves []scheduler.Wave
	for rows.Next() {
		var w scheduler.Wave
		var ids string
		if err := rows.Scan(&w.Index, &ids); err != nil {
			return nil, fmt.Errorf("failed to scan wave: %w", err)
		}
		if err := json.Unmarshal([]byte(ids), &w.TaskIDs); err != nil {
			return nil, fmt.Errorf("failed to decode wave %d: %w", w.Index, err)
		}
		waves = append(waves, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating waves: %w", err)
	}
	return waves, nil
}

// TransitionTask updates a task's status and, if given, its agent's row
// in one transaction. With From set, the update only applies if the task
// is still in that status.
func (s *SQLiteStore) TransitionTask(ctx context.Context, tr Transition) error {
	if tr.From != "" && !scheduler.CanTransition(tr.From, tr.To) {
		return fmt.Errorf("illegal transition for %s: %s -> %s", tr.TaskID, tr.From, tr.To)
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE tasks SET status = ?, reason = ?, updated_at = ? WHERE id = ?`
		args := []any{string(tr.To), tr.Reason, formatTime(at), tr.TaskID}
		if tr.From != "" {
			query += ` AND status = ?`
			args = append(args, string(tr.From))
		}

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to update task status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			var status string
			err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, tr.TaskID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrTaskNotFound, tr.TaskID)
			}
			if err != nil {
				return fmt.Errorf("failed to query task status: %w", err)
			}
			return fmt.Errorf("%w: %s is %s, expected %s", ErrStaleTransition, tr.TaskID, status, tr.From)
		}

		if tr.Agent != nil {
			if err := execUpsertAgent(ctx, tx, tr.Agent, at); err != nil {
				return err
			}
		}
		return nil
	})
}

func execUpsertAgent(ctx context.Context, tx *sql.Tx, a *AgentRecord, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, role, status, task_id, worktree_path, completed, failed, active_ms, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			status = excluded.status,
			task_id = excluded.task_id,
			worktree_path = excluded.worktree_path,
			completed = excluded.completed,
			failed = excluded.failed,
			active_ms = excluded.active_ms,
			updated_at = excluded.updated_at
	`, a.ID, a.Role, a.Status, a.TaskID, a.WorktreePath, a.Completed, a.Failed, a.ActiveTime.Milliseconds(), formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// ListAgents returns the last written row of every agent.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, status, task_id, worktree_path, completed, failed, active_ms, updated_at
		FROM agents
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []AgentRecord
	for rows.Next() {
		var a AgentRecord
		var activeMS int64
		var updated string
		if err := rows.Scan(&a.ID, &a.Role, &a.Status, &a.TaskID, &a.WorktreePath, &a.Completed, &a.Failed, &activeMS, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		a.ActiveTime = time.Duration(activeMS) * time.Millisecond
		a.UpdatedAt = parseTime(updated)
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var status, files, created, updated string
	err := row.Scan(&task.ID, &task.Seq, &task.Name, &task.Description, &task.Role, &task.EstimatedMinutes,
		&task.Priority, &files, &status, &task.Wave, &task.Iteration, &task.Reason, &created, &updated)
	if err != nil {
		return nil, err
	}
	task.Status = scheduler.TaskStatus(status)
	task.CreatedAt = parseTime(created)
	task.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(files), &task.Files); err != nil {
		return nil, fmt.Errorf("failed to decode files of %s: %w", task.ID, err)
	}
	if len(task.Files) == 0 {
		task.Files = nil
	}
	return task, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
