package qa

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/conductor/internal/worker"
)

// GateName identifies a quality gate.
type GateName string

const (
	GateBuild  GateName = "build"
	GateLint   GateName = "lint"
	GateTest   GateName = "test"
	GateReview GateName = "review"
)

// GateOrder is the fixed order gates run in.
var GateOrder = []GateName{GateBuild, GateLint, GateTest, GateReview}

// Advisory reports whether a failure of the gate is non-blocking.
func (g GateName) Advisory() bool { return g == GateLint }

// GateError is one structured finding.
type GateError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

func (e GateError) String() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
	case e.File != "":
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return e.Message
}

// GateRequest is what a gate is run against.
type GateRequest struct {
	TaskID    string
	Name      string
	WorkDir   string
	Iteration int
	CommitSHA string
	Diff      string
}

// GateResult is a gate's structured verdict.
type GateResult struct {
	Success  bool
	Errors   []GateError
	Warnings []string
	Duration time.Duration
}

// Gate is one quality check.
type Gate interface {
	Name() GateName
	Run(ctx context.Context, req GateRequest) (GateResult, error)
}

// GateSet holds the configured gates. A nil gate is skipped, never passed.
type GateSet struct {
	Build  Gate
	Lint   Gate
	Test   Gate
	Review Gate
}

// Get returns the gate for name, or nil.
func (s GateSet) Get(name GateName) Gate {
	switch name {
	case GateBuild:
		return s.Build
	case GateLint:
		return s.Lint
	case GateTest:
		return s.Test
	case GateReview:
		return s.Review
	}
	return nil
}

// GateFunc adapts a function to Gate.
type GateFunc struct {
	GateName GateName
	Fn       func(ctx context.Context, req GateRequest) (GateResult, error)
}

func (g GateFunc) Name() GateName { return g.GateName }

func (g GateFunc) Run(ctx context.Context, req GateRequest) (GateResult, error) {
	return g.Fn(ctx, req)
}

// maxGateErrors caps how many findings one gate contributes to retry context.
const maxGateErrors = 20

// CommandGate runs a shell command in the worktree; exit status 0 passes.
type CommandGate struct {
	name    GateName
	command string
	args    []string
	timeout time.Duration
	pm      *worker.ProcessManager
}

// NewCommandGate creates a gate that runs command with args. pm may be nil.
func NewCommandGate(name GateName, command string, args []string, timeout time.Duration, pm *worker.ProcessManager) *CommandGate {
	return &CommandGate{name: name, command: command, args: args, timeout: timeout, pm: pm}
}

func (g *CommandGate) Name() GateName { return g.name }

func (g *CommandGate) Run(ctx context.Context, req GateRequest) (GateResult, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := worker.NewCommand(ctx, req.WorkDir, g.command, g.args...)
	out, err := worker.Execute(cmd, g.pm)
	res := GateResult{Duration: time.Since(start)}

	if err != nil && out.ExitCode < 0 {
		// Could not start, or killed: not a verdict on the code.
		if ctx.Err() != nil {
			return res, fmt.Errorf("%s gate: %w", g.name, ctx.Err())
		}
		return res, fmt.Errorf("%s gate: %w", g.name, err)
	}

	findings, warnings := parseOutput(out.Combined())
	res.Warnings = warnings
	if out.ExitCode == 0 {
		res.Success = true
		return res, nil
	}

	res.Errors = findings
	if len(res.Errors) == 0 {
		res.Errors = []GateError{{Message: fmt.Sprintf("%s exited with status %d", g.command, out.ExitCode)}}
	}
	return res, nil
}

var locatedLine = regexp.MustCompile(`^(\S+?\.\w+):(\d+)(?::\d+)?:\s*(.+)$`)

// parseOutput extracts file:line findings, falling back to the tail of the output.
func parseOutput(output string) (errs []GateError, warnings []string) {
	var tail []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := locatedLine.FindStringSubmatch(line); m != nil {
			n, _ := strconv.Atoi(m[2])
			ge := GateError{File: m[1], Line: n, Message: m[3]}
			if strings.HasPrefix(strings.ToLower(m[3]), "warning") {
				warnings = append(warnings, ge.String())
				continue
			}
			if len(errs) < maxGateErrors {
				errs = append(errs, ge)
			}
			continue
		}
		tail = append(tail, line)
	}

	if len(errs) == 0 && len(tail) > 0 {
		if len(tail) > maxGateErrors {
			tail = tail[len(tail)-maxGateErrors:]
		}
		for _, l := range tail {
			errs = append(errs, GateError{Message: l})
		}
	}
	return errs, warnings
}

// ReviewGate asks a reviewer worker for a verdict on the iteration's diff.
type ReviewGate struct {
	reviewer worker.Worker
}

// NewReviewGate creates a review gate backed by a reviewer worker.
func NewReviewGate(reviewer worker.Worker) *ReviewGate {
	return &ReviewGate{reviewer: reviewer}
}

func (g *ReviewGate) Name() GateName { return GateReview }

func (g *ReviewGate) Run(ctx context.Context, req GateRequest) (GateResult, error) {
	start := time.Now()
	resp, err := g.reviewer.Invoke(ctx, worker.Request{
		TaskID:      req.TaskID,
		Name:        req.Name,
		Description: "Review the change below for correctness and completeness.",
		Role:        worker.RoleReviewer,
		WorkDir:     req.WorkDir,
		Iteration:   req.Iteration,
		Exchange:    1,
		PriorDiff:   req.Diff,
	})
	res := GateResult{Duration: time.Since(start)}
	if err != nil {
		return res, fmt.Errorf("review gate: %w", err)
	}

	if resp.Verdict == nil {
		res.Errors = []GateError{{Message: "reviewer returned no verdict"}}
		return res, nil
	}
	res.Success = resp.Verdict.Approved
	for _, f := range resp.Verdict.Findings {
		if res.Success {
			res.Warnings = append(res.Warnings, f)
		} else {
			res.Errors = append(res.Errors, GateError{Message: f})
		}
	}
	if !res.Success && len(res.Errors) == 0 {
		res.Errors = []GateError{{Message: "change rejected without findings"}}
	}
	return res, nil
}
