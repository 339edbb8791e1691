package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/scheduler"
)

// ErrNotFound is returned when no checkpoint has the requested id.
var ErrNotFound = errors.New("checkpoint not found")

// Trigger is why a checkpoint was taken.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerMilestone Trigger = "milestone"
	TriggerPreRisky  Trigger = "pre_risky_op"
	TriggerManual    Trigger = "manual"
)

// CorruptionError means a stored checkpoint no longer matches its hash.
type CorruptionError struct {
	ID   string
	Want string
	Got  string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("checkpoint %s is corrupt: hash %s, stored %s", e.ID, e.Got, e.Want)
}

// AgentState is an agent's membership at checkpoint time.
type AgentState struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	Status string `json:"status"`
	TaskID string `json:"task_id,omitempty"`
}

// State is the serialized run state a checkpoint captures.
type State struct {
	RunState   string                  `json:"run_state"`
	Goal       string                  `json:"goal,omitempty"`
	ActiveWave int                     `json:"active_wave"`
	Waves      []scheduler.Wave        `json:"waves"`
	Tasks      []*scheduler.Task       `json:"tasks"`
	Queue      scheduler.QueueSnapshot `json:"queue"`
	Agents     []AgentState            `json:"agents"`
	Escalated  map[string]string       `json:"escalated,omitempty"` // task id -> reason
}

// Counts returns the number of terminal-completed and not-yet-terminal tasks.
func (s *State) Counts() (pending, completed int) {
	for _, t := range s.Tasks {
		switch {
		case t.Status == scheduler.TaskCompleted:
			completed++
		case !t.Status.Terminal():
			pending++
		}
	}
	return pending, completed
}

// Checkpoint is an immutable snapshot record. Payload is the serialized
// State and Hash its SHA-256.
type Checkpoint struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Trigger   Trigger   `json:"trigger"`
	Reason    string    `json:"reason,omitempty"`
	GitRef    string    `json:"git_ref"`
	Hash      string    `json:"hash"`
	Pending   int       `json:"pending"`
	Completed int       `json:"completed"`
	Payload   []byte    `json:"-"`
}

// Hash returns the hex SHA-256 of payload.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
