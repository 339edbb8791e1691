// Package checkpoint snapshots run state together with the integration
// branch commit, and restores both.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/scheduler"
)

// DefaultInterval is the scheduled checkpoint period.
const DefaultInterval = 2 * time.Hour

// StateSource captures a consistent view of the run. Implementations hold
// their own lock while copying; the manager never mutates the result.
type StateSource interface {
	CaptureState(ctx context.Context) (*State, error)
}

// Store persists checkpoint records. SaveCheckpoint must be atomic.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]*Checkpoint, error)
}

// RefResolver reads and resets the integration branch.
type RefResolver interface {
	Head(ctx context.Context) (string, error)
	Checkout(ctx context.Context, ref string) error
}

// Config controls automatic checkpoints.
type Config struct {
	Interval time.Duration // scheduled trigger; zero uses DefaultInterval, negative disables
}

// Manager creates and restores checkpoints.
//
// Create serializes state, hashes it, records the integration commit and
// persists the record; a failure at any step leaves nothing behind. Restore
// verifies the hash before it touches the repository.
type Manager struct {
	cfg    Config
	source StateSource
	store  Store
	refs   RefResolver
	bus    *events.EventBus
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex // serializes Create
}

// NewManager creates a checkpoint manager. bus and logger may be nil.
func NewManager(cfg Config, source StateSource, store Store, refs RefResolver, bus *events.EventBus, logger *zap.Logger) *Manager {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		source: source,
		store:  store,
		refs:   refs,
		bus:    bus,
		logger: logger.Named("checkpoint"),
		now:    time.Now,
	}
}

// Create takes a checkpoint.
func (m *Manager) Create(ctx context.Context, trigger Trigger, reason string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, err := m.source.CaptureState(ctx)
	if err != nil {
		return nil, fmt.Errorf("capturing state: %w", err)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("serializing state: %w", err)
	}
	ref, err := m.refs.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving integration commit: %w", err)
	}

	pending, completed := state.Counts()
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		CreatedAt: m.now().UTC(),
		Trigger:   trigger,
		Reason:    reason,
		GitRef:    ref,
		Hash:      Hash(payload),
		Pending:   pending,
		Completed: completed,
		Payload:   payload,
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("persisting checkpoint: %w", err)
	}

	m.logger.Info("Checkpoint created",
		zap.String("checkpoint_id", cp.ID),
		zap.String("trigger", string(trigger)),
		zap.String("reason", reason),
		zap.String("git_ref", ref),
		zap.Int("pending", pending),
		zap.Int("completed", completed))
	if m.bus != nil {
		m.bus.Publish(events.TopicCheckpoint, events.CheckpointCreatedEvent{
			CheckpointID: cp.ID,
			Trigger:      string(trigger),
			Reason:       reason,
			GitRef:       ref,
			Pending:      pending,
			Completed:    completed,
			Timestamp:    cp.CreatedAt,
		})
	}
	return cp, nil
}

// Restore loads checkpoint id, resets the integration branch to its commit
// and returns the state with every in-flight task moved back to ready and
// requeued. A hash mismatch returns *CorruptionError and changes nothing.
func (m *Manager) Restore(ctx context.Context, id string) (*State, error) {
	cp, err := m.store.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}

	if got := Hash(cp.Payload); got != cp.Hash {
		m.logger.Error("Refusing corrupt checkpoint",
			zap.String("checkpoint_id", id),
			zap.String("stored_hash", cp.Hash),
			zap.String("computed_hash", got))
		return nil, &CorruptionError{ID: id, Want: cp.Hash, Got: got}
	}

	var state State
	if err := json.Unmarshal(cp.Payload, &state); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s: %w", id, err)
	}

	if err := m.refs.Checkout(ctx, cp.GitRef); err != nil {
		return nil, fmt.Errorf("checking out %s: %w", cp.GitRef, err)
	}

	requeued := requeueInFlight(&state)

	m.logger.Info("Checkpoint restored",
		zap.String("checkpoint_id", id),
		zap.String("git_ref", cp.GitRef),
		zap.Strings("requeued", requeued))
	if m.bus != nil {
		m.bus.Publish(events.TopicCheckpoint, events.CheckpointRestoredEvent{
			CheckpointID: id,
			GitRef:       cp.GitRef,
			Requeued:     requeued,
			Timestamp:    m.now().UTC(),
		})
	}
	return &state, nil
}

// requeueInFlight resets assigned/running/qa_iterating tasks to ready, puts
// them back in the queue snapshot and clears agent membership.
func requeueInFlight(state *State) []string {
	queued := make(map[string]bool, len(state.Queue.Tasks))
	for _, t := range state.Queue.Tasks {
		queued[t.ID] = true
	}

	var requeued []string
	for _, t := range state.Tasks {
		if !t.Status.InFlight() {
			continue
		}
		t.Status = scheduler.TaskReady
		t.Reason = "requeued after restore"
		requeued = append(requeued, t.ID)
		if !queued[t.ID] {
			state.Queue.Tasks = append(state.Queue.Tasks, t.Clone())
			queued[t.ID] = true
		}
	}
	for _, t := range state.Queue.Tasks {
		if t.Status.InFlight() {
			t.Status = scheduler.TaskReady
		}
	}
	state.Agents = nil
	return requeued
}

// List returns checkpoint headers, newest first.
func (m *Manager) List(ctx context.Context) ([]*Checkpoint, error) {
	return m.store.ListCheckpoints(ctx)
}

// Run takes scheduled checkpoints every Interval and a milestone checkpoint
// after each completed wave, until ctx is cancelled. Failures are logged;
// they never stop the run.
func (m *Manager) Run(ctx context.Context) {
	var waves <-chan events.Event
	if m.bus != nil {
		waves = m.bus.Subscribe(events.TopicWave, 16)
		defer m.bus.Unsubscribe(waves)
	}

	var tick <-chan time.Time
	if m.cfg.Interval > 0 {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			m.createLogged(ctx, TriggerScheduled, "interval")
		case ev, ok := <-waves:
			if !ok {
				waves = nil
				continue
			}
			if wc, isWave := ev.(events.WaveCompletedEvent); isWave {
				m.createLogged(ctx, TriggerMilestone, fmt.Sprintf("wave %d complete", wc.Index))
			}
		}
	}
}

func (m *Manager) createLogged(ctx context.Context, trigger Trigger, reason string) {
	if _, err := m.Create(ctx, trigger, reason); err != nil && ctx.Err() == nil {
		m.logger.Error("Checkpoint failed",
			zap.String("trigger", string(trigger)),
			zap.String("reason", reason),
			zap.Error(err))
	}
}
