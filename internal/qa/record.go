package qa

import (
	"errors"
	"fmt"
	"time"
)

// Outcome classifies one iteration.
type Outcome string

const (
	OutcomePassed        Outcome = "passed"
	OutcomeGateFailure   Outcome = "gate_failure"
	OutcomeWorkerFailure Outcome = "worker_failure"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeCancelled     Outcome = "cancelled"
)

// PhaseResult is one gate's result inside an iteration.
type PhaseResult struct {
	Gate     GateName      `json:"gate"`
	Ran      bool          `json:"ran"` // false when the gate is not configured or an earlier hard gate failed
	Success  bool          `json:"success"`
	Advisory bool          `json:"advisory,omitempty"`
	Errors   []GateError   `json:"errors,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
	Duration time.Duration `json:"duration"`
}

// IterationRecord is one pass of the QA loop. Records are append-only.
type IterationRecord struct {
	TaskID        string        `json:"task_id"`
	Iteration     int           `json:"iteration"`
	Outcome       Outcome       `json:"outcome"`
	Phases        []PhaseResult `json:"phases"`
	Exchanges     int           `json:"exchanges"`
	WorkerSummary string        `json:"worker_summary,omitempty"`
	WorkerError   string        `json:"worker_error,omitempty"`
	CommitSHA     string        `json:"commit_sha,omitempty"`
	Diff          string        `json:"diff,omitempty"`
	Fingerprint   string        `json:"fingerprint,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// Phase returns the result for gate, if the iteration recorded one.
func (r *IterationRecord) Phase(gate GateName) (PhaseResult, bool) {
	for _, p := range r.Phases {
		if p.Gate == gate {
			return p, true
		}
	}
	return PhaseResult{}, false
}

// Errors flattens the iteration's failures into retry context lines.
// Advisory findings are included so the worker can address them.
func (r *IterationRecord) Errors() []string {
	var out []string
	if r.WorkerError != "" {
		out = append(out, "worker: "+r.WorkerError)
	}
	for _, p := range r.Phases {
		if !p.Ran || p.Success {
			continue
		}
		for _, e := range p.Errors {
			out = append(out, fmt.Sprintf("%s: %s", p.Gate, e))
		}
	}
	return out
}

// Failure returns the iteration's failure as a typed error, or nil if it passed.
func (r *IterationRecord) Failure() error {
	switch r.Outcome {
	case OutcomePassed:
		return nil
	case OutcomeGateFailure:
		for _, p := range r.Phases {
			if p.Ran && !p.Success && !p.Advisory {
				return &GateFailure{Gate: p.Gate, Errors: p.Errors}
			}
		}
	}
	return &WorkerFailure{Reason: string(r.Outcome), Err: errorString(r.WorkerError)}
}

func errorString(s string) error {
	if s == "" {
		return nil
	}
	return errors.New(s)
}
