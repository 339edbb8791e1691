package worktree

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrPathCollision is returned when a task's worktree path or branch already exists.
var ErrPathCollision = errors.New("worktree path or branch already exists")

// ErrNotFound is returned for tasks without a worktree.
var ErrNotFound = errors.New("worktree not found")

// State is a worktree's lifecycle position.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active" // at least one iteration committed
	StateMerged    State = "merged"
	StateAbandoned State = "abandoned" // kept on disk for a human
	StateRemoved   State = "removed"
)

// Worktree is an isolated working copy bound to one task.
type Worktree struct {
	TaskID     string    `json:"task_id"`
	Path       string    `json:"path"`
	Branch     string    `json:"branch"`
	BaseBranch string    `json:"base_branch"`
	BaseCommit string    `json:"base_commit"`
	Head       string    `json:"head"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}

// Commit is the result of recording one QA iteration on the task branch.
type Commit struct {
	SHA       string
	Iteration int
	Diff      string   // diff against the previous iteration, truncated
	Files     []string // files touched by this iteration
}

// ConflictClass describes how a merge went.
type ConflictClass string

const (
	ConflictNone    ConflictClass = "none"
	ConflictSimple  ConflictClass = "simple"  // both sides touched a file, git resolved it
	ConflictComplex ConflictClass = "complex" // overlapping edits, needs a human
)

// MergeResult is the outcome of merging a task branch.
type MergeResult struct {
	Merged bool
	Class  ConflictClass
	Files  []string // auto-merged files for simple, conflicting files for complex
	Commit string   // merge commit on the integration branch
}

// MergeConflictError is returned when a merge needs human intervention.
// The task branch and worktree are left untouched.
type MergeConflictError struct {
	TaskID string
	Class  ConflictClass
	Files  []string
	Detail string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge of task %s has %s conflicts in %s", e.TaskID, e.Class, strings.Join(e.Files, ", "))
}

// WorktreeManagerConfig configures the worktree manager.
type WorktreeManagerConfig struct {
	RepoPath    string // Absolute path to the git repository
	BaseBranch  string // Integration branch tasks branch from and merge into
	WorktreeDir string // Directory under repo for worktrees (default ".worktrees")
	AuthorName  string
	AuthorEmail string
	MaxDiffSize int // bytes of diff kept per iteration (default 64KiB)
}
