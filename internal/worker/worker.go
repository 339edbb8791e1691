// Package worker defines how the engine talks to the agents that write code,
// tests and reviews, and provides a subprocess-backed implementation.
package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Worker performs one exchange with an agent.
// Implementations must honour ctx cancellation.
type Worker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a plain function to Worker.
type Func func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Request is the context handed to a worker for one exchange.
type Request struct {
	TaskID      string
	Name        string
	Description string
	Role        Role
	Profile     Profile
	WorkDir     string
	Iteration   int
	Exchange    int      // 1-based within the iteration
	PriorDiff   string   // diff committed by the previous iteration
	PriorErrors []string // structured gate errors from the previous iteration
	Hints       []string
	Files       []string // declared file scope
}

// FileChange is one file the worker wants written or deleted.
// Paths are relative to the worktree root.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
	Delete  bool   `json:"delete,omitempty"`
}

// Verdict is a reviewer's judgement.
type Verdict struct {
	Approved bool     `json:"approved"`
	Findings []string `json:"findings,omitempty"`
}

// Response is what a worker returns for one exchange. Done is the explicit
// completion signal; output text is never inspected for it.
type Response struct {
	Done      bool         `json:"done"`
	Summary   string       `json:"summary,omitempty"`
	Changes   []FileChange `json:"changes,omitempty"`
	Verdict   *Verdict     `json:"verdict,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
}

// ApplyChanges writes the changes below root. Paths escaping root, naming
// root itself, or reaching into the worktree's .git are rejected.
func ApplyChanges(root string, changes []FileChange) error {
	cleanRoot := filepath.Clean(root)
	prefix := cleanRoot + string(filepath.Separator)
	for _, c := range changes {
		if c.Path == "" {
			return fmt.Errorf("file change with empty path")
		}
		target := filepath.Join(cleanRoot, filepath.FromSlash(c.Path))
		if !strings.HasPrefix(target, prefix) {
			return fmt.Errorf("file change %q escapes worktree", c.Path)
		}
		first, _, _ := strings.Cut(strings.TrimPrefix(target, prefix), string(filepath.Separator))
		if strings.EqualFold(first, ".git") {
			return fmt.Errorf("file change %q touches git metadata", c.Path)
		}

		if c.Delete {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("delete %s: %w", c.Path, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", c.Path, err)
		}
		if err := os.WriteFile(target, []byte(c.Content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", c.Path, err)
		}
	}
	return nil
}
