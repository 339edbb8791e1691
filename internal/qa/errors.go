package qa

import (
	"fmt"
	"strings"
)

// GateFailure is a failed build, lint, test, or review gate. It stays
// inside the QA loop and drives the next iteration.
type GateFailure struct {
	Gate   GateName
	Errors []GateError
}

func (e *GateFailure) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ge := range e.Errors {
		msgs = append(msgs, ge.String())
	}
	return fmt.Sprintf("%s gate failed: %s", e.Gate, strings.Join(msgs, "; "))
}

// WorkerFailure is a failed worker exchange: an error, a timeout, or no
// completion signal. It counts as a failed iteration.
type WorkerFailure struct {
	Reason string
	Err    error
}

func (e *WorkerFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("worker failure: %s: %v", e.Reason, e.Err)
	}
	return "worker failure: " + e.Reason
}

func (e *WorkerFailure) Unwrap() error { return e.Err }

// Escalation reasons.
const (
	ReasonMaxIterations = "max_iterations"
	ReasonTimeout       = "timeout"
	ReasonMergeConflict = "merge_conflict"
)

// EscalationRequired means a task exhausted its automated budget. It is
// terminal for the task only; the run continues.
type EscalationRequired struct {
	TaskID     string
	Reason     string
	Iterations int
	Summary    string
}

func (e *EscalationRequired) Error() string {
	return fmt.Sprintf("task %s escalated (%s) after %d iterations: %s", e.TaskID, e.Reason, e.Iterations, e.Summary)
}
