// Package pool manages the bounded set of agents that execute tasks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/worker"
)

// DefaultCapacity is the number of agents allowed when none is configured.
const DefaultCapacity = 4

var (
	// ErrPoolExhausted means the pool is at capacity. It is backpressure, not a task failure.
	ErrPoolExhausted = errors.New("agent pool exhausted")
	// ErrAgentNotIdle is returned when assigning an agent that already has work.
	ErrAgentNotIdle = errors.New("agent is not idle")
	// ErrAgentNotFound is returned for unknown or terminated agent IDs.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrTaskAlreadyAssigned is returned when another agent already holds the task.
	ErrTaskAlreadyAssigned = errors.New("task already assigned to another agent")
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("agent pool shut down")
)

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentAssigned   AgentStatus = "assigned"
	AgentWorking    AgentStatus = "working"
	AgentError      AgentStatus = "error"
	AgentTerminated AgentStatus = "terminated"
)

// Busy reports whether the agent holds a task.
func (s AgentStatus) Busy() bool {
	return s == AgentAssigned || s == AgentWorking || s == AgentError
}

// Outcome tells Release how the agent's task ended.
type Outcome int

const (
	OutcomeNone Outcome = iota // released without finishing, e.g. paused or requeued
	OutcomeCompleted
	OutcomeFailed
)

// Metrics are per-agent counters.
type Metrics struct {
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	ActiveTime time.Duration `json:"active_time"`
}

// Agent is a pooled worker instance.
type Agent struct {
	ID           string      `json:"id"`
	Role         worker.Role `json:"role"`
	Status       AgentStatus `json:"status"`
	TaskID       string      `json:"task_id,omitempty"`
	WorktreePath string      `json:"worktree_path,omitempty"`
	Metrics      Metrics     `json:"metrics"`
	SpawnedAt    time.Time   `json:"spawned_at"`
	LastActiveAt time.Time   `json:"last_active_at"`

	seq        int
	assignedAt time.Time
}

// CrashError is returned by Run when the work function panicked.
type CrashError struct {
	AgentID string
	TaskID  string
	Panic   string
	Stack   string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("agent %s crashed on task %s: %s", e.AgentID, e.TaskID, e.Panic)
}

// Config configures a Pool.
type Config struct {
	Capacity int
}

// Pool is a bounded set of agents. It never blocks: when saturated it
// reports ErrPoolExhausted and the caller decides when to try again.
type Pool struct {
	mu       sync.Mutex
	capacity int
	agents   map[string]*Agent
	byTask   map[string]string // taskID -> agentID
	nextSeq  int
	closed   bool
	bus      *events.EventBus
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a pool. bus and logger may be nil.
func New(cfg Config, bus *events.EventBus, logger *zap.Logger) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		capacity: cfg.Capacity,
		agents:   make(map[string]*Agent),
		byTask:   make(map[string]string),
		bus:      bus,
		logger:   logger.Named("pool"),
		now:      time.Now,
	}
}

// Capacity returns the configured agent limit.
func (p *Pool) Capacity() int { return p.capacity }

// Spawn creates an idle agent for role.
func (p *Pool) Spawn(role worker.Role) (*Agent, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("spawn: invalid role %d", int(role))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spawnLocked(role)
}

func (p *Pool) spawnLocked(role worker.Role) (*Agent, error) {
	if p.closed {
		return nil, ErrPoolClosed
	}
	if len(p.agents) >= p.capacity {
		return nil, fmt.Errorf("spawn %s (%d/%d): %w", role, len(p.agents), p.capacity, ErrPoolExhausted)
	}

	now := p.now()
	p.nextSeq++
	a := &Agent{
		ID:           uuid.NewString(),
		Role:         role,
		Status:       AgentIdle,
		SpawnedAt:    now,
		LastActiveAt: now,
		seq:          p.nextSeq,
	}
	p.agents[a.ID] = a
	p.logger.Debug("agent spawned", zap.String("agent_id", a.ID), zap.Stringer("role", role))
	p.publish(a)
	return a.clone(), nil
}

// Acquire returns an idle agent for role, spawning one if there is room.
// When the pool is full of idle agents of other roles, the least recently
// used one is retired to make room.
func (p *Pool) Acquire(role worker.Role) (*Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	var otherIdle *Agent
	for _, a := range p.sorted() {
		if a.Status != AgentIdle {
			continue
		}
		if a.Role == role {
			return a.clone(), nil
		}
		if otherIdle == nil || a.LastActiveAt.Before(otherIdle.LastActiveAt) {
			otherIdle = a
		}
	}

	if len(p.agents) >= p.capacity && otherIdle != nil {
		p.terminateLocked(otherIdle)
	}
	return p.spawnLocked(role)
}

// Assign binds an idle agent to a task.
func (p *Pool) Assign(agentID, taskID, worktreePath string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("assign %s: %w", agentID, ErrAgentNotFound)
	}
	if a.Status != AgentIdle {
		return fmt.Errorf("assign %s to %s (status %s): %w", agentID, taskID, a.Status, ErrAgentNotIdle)
	}
	if holder, held := p.byTask[taskID]; held {
		return fmt.Errorf("assign %s to %s (held by %s): %w", agentID, taskID, holder, ErrTaskAlreadyAssigned)
	}

	a.Status = AgentAssigned
	a.TaskID = taskID
	a.WorktreePath = worktreePath
	a.assignedAt = p.now()
	p.byTask[taskID] = agentID
	p.publish(a)
	return nil
}

// SetWorktree records the worktree path once it exists.
func (p *Pool) SetWorktree(agentID, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("set worktree %s: %w", agentID, ErrAgentNotFound)
	}
	a.WorktreePath = path
	return nil
}

// MarkWorking moves an assigned agent to working.
func (p *Pool) MarkWorking(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("mark working %s: %w", agentID, ErrAgentNotFound)
	}
	if a.Status != AgentAssigned && a.Status != AgentWorking {
		return fmt.Errorf("mark working %s (status %s): %w", agentID, a.Status, ErrAgentNotIdle)
	}
	a.Status = AgentWorking
	p.publish(a)
	return nil
}

// Release returns an agent to the idle set. Releasing an idle agent is a no-op.
func (p *Pool) Release(agentID string, outcome Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("release %s: %w", agentID, ErrAgentNotFound)
	}
	if a.Status == AgentIdle {
		return nil
	}

	delete(p.byTask, a.TaskID)
	release(a, outcome, p.now())
	p.publish(a)
	return nil
}

// Released returns a copy of the agent as Release would leave it, without
// changing the pool. Callers persist this row before releasing.
func (p *Pool) Released(agentID string, outcome Outcome) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return nil, false
	}
	cp := a.clone()
	if cp.Status != AgentIdle {
		release(cp, outcome, p.now())
	}
	return cp, true
}

func release(a *Agent, outcome Outcome, now time.Time) {
	if !a.assignedAt.IsZero() {
		a.Metrics.ActiveTime += now.Sub(a.assignedAt)
	}
	switch outcome {
	case OutcomeCompleted:
		a.Metrics.Completed++
	case OutcomeFailed:
		a.Metrics.Failed++
	}
	a.Status = AgentIdle
	a.TaskID = ""
	a.WorktreePath = ""
	a.assignedAt = time.Time{}
	a.LastActiveAt = now
}

// Available returns one idle agent, or false. It never waits.
func (p *Pool) Available() (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.sorted() {
		if a.Status == AgentIdle {
			return a.clone(), true
		}
	}
	return nil, false
}

// Run executes fn on behalf of the agent. A panic in fn is contained here:
// the agent is terminated and removed, and a *CrashError is returned so the
// caller can fail the task. A crashed agent never returns to the idle set.
func (p *Pool) Run(ctx context.Context, agentID string, fn func(ctx context.Context) error) (err error) {
	if err := p.MarkWorking(agentID); err != nil {
		return err
	}
	taskID := p.taskOf(agentID)

	defer func() {
		if r := recover(); r != nil {
			crash := &CrashError{
				AgentID: agentID,
				TaskID:  taskID,
				Panic:   fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}
			p.logger.Error("agent crashed",
				zap.String("agent_id", agentID),
				zap.String("task_id", taskID),
				zap.String("panic", crash.Panic))
			_ = p.Terminate(agentID)
			if p.bus != nil {
				p.bus.Publish(events.TopicAgent, events.AgentCrashedEvent{
					AgentID:   agentID,
					Task:      taskID,
					Panic:     crash.Panic,
					Timestamp: p.now(),
				})
			}
			err = crash
		}
	}()

	if err := fn(ctx); err != nil {
		p.markError(agentID)
		return err
	}
	return nil
}

func (p *Pool) markError(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[agentID]; ok && a.Status == AgentWorking {
		a.Status = AgentError
		p.publish(a)
	}
}

func (p *Pool) taskOf(agentID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a, ok := p.agents[agentID]; ok {
		return a.TaskID
	}
	return ""
}

// Terminate removes an agent from the pool, freeing its slot.
func (p *Pool) Terminate(agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("terminate %s: %w", agentID, ErrAgentNotFound)
	}
	p.terminateLocked(a)
	return nil
}

func (p *Pool) terminateLocked(a *Agent) {
	if a.TaskID != "" {
		delete(p.byTask, a.TaskID)
	}
	a.Status = AgentTerminated
	a.LastActiveAt = p.now()
	delete(p.agents, a.ID)
	p.publish(a)
}

// Get returns a copy of the agent.
func (p *Pool) Get(agentID string) (*Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[agentID]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// Holder returns the agent currently holding taskID.
func (p *Pool) Holder(taskID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byTask[taskID]
	return id, ok
}

// Agents returns a snapshot of all live agents in spawn order.
func (p *Pool) Agents() []Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.sorted()
	out := make([]Agent, len(list))
	for i, a := range list {
		out[i] = *a
	}
	return out
}

// ActiveCount returns the number of live (non-terminated) agents.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// BusyCount returns the number of agents holding a task.
func (p *Pool) BusyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.agents {
		if a.Status.Busy() {
			n++
		}
	}
	return n
}

// Reset terminates every agent. Used after a checkpoint restore so no
// agent carries state from before the restore.
func (p *Pool) Reset() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.agents)
	for _, a := range p.sorted() {
		p.terminateLocked(a)
	}
	return n
}

// Shutdown terminates every agent and refuses further spawns.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range p.sorted() {
		p.terminateLocked(a)
	}
	p.closed = true
}

func (p *Pool) sorted() []*Agent {
	list := make([]*Agent, 0, len(p.agents))
	for _, a := range p.agents {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	return list
}

func (p *Pool) publish(a *Agent) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.TopicAgent, events.AgentStateEvent{
		AgentID:   a.ID,
		Role:      a.Role.String(),
		State:     string(a.Status),
		Task:      a.TaskID,
		Timestamp: p.now(),
	})
}

func (a *Agent) clone() *Agent {
	cp := *a
	return &cp
}
