package worktree

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// WorktreeManager manages git worktrees for parallel task execution.
type WorktreeManager struct {
	config WorktreeManagerConfig
	logger *zap.Logger

	mu        sync.Mutex // guards worktrees
	worktrees map[string]*Worktree

	gitMu   sync.Mutex // serializes worktree add/remove metadata updates
	mergeMu sync.Mutex // serializes every mutation of the integration branch
}

// NewWorktreeManager creates a new worktree manager. logger may be nil.
func NewWorktreeManager(cfg WorktreeManagerConfig, logger *zap.Logger) *WorktreeManager {
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = ".worktrees"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "conductor"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "conductor@localhost"
	}
	if cfg.MaxDiffSize <= 0 {
		cfg.MaxDiffSize = 64 << 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorktreeManager{
		config:    cfg,
		logger:    logger.Named("worktree"),
		worktrees: make(map[string]*Worktree),
	}
}

// BaseBranch returns the integration branch name.
func (m *WorktreeManager) BaseBranch() string { return m.config.BaseBranch }

// RepoPath returns the repository root.
func (m *WorktreeManager) RepoPath() string { return m.config.RepoPath }

// PathFor returns the directory a task's worktree lives in.
func (m *WorktreeManager) PathFor(taskID string) string {
	return filepath.Join(m.config.RepoPath, m.config.WorktreeDir, taskID)
}

// BranchFor returns a task's branch name.
func BranchFor(taskID string) string { return "task/" + taskID }

// Create allocates a fresh worktree and branch from the integration branch.
// An existing path, branch, or registration is a collision; nothing is reused.
func (m *WorktreeManager) Create(ctx context.Context, taskID string) (*Worktree, error) {
	if !taskIDPattern.MatchString(taskID) {
		return nil, fmt.Errorf("create worktree: invalid task id %q", taskID)
	}

	wt := &Worktree{
		TaskID:     taskID,
		Path:       m.PathFor(taskID),
		Branch:     BranchFor(taskID),
		BaseBranch: m.config.BaseBranch,
		State:      StateCreated,
		CreatedAt:  time.Now(),
	}

	// Reserve the slot before touching git so concurrent creates for the
	// same task cannot both proceed.
	m.mu.Lock()
	if _, exists := m.worktrees[taskID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("create worktree for %s: registered: %w", taskID, ErrPathCollision)
	}
	m.worktrees[taskID] = wt
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		delete(m.worktrees, taskID)
		m.mu.Unlock()
	}

	if _, err := os.Stat(wt.Path); err == nil {
		release()
		return nil, fmt.Errorf("create worktree for %s: path %s: %w", taskID, wt.Path, ErrPathCollision)
	}
	if m.branchExists(ctx, wt.Branch) {
		release()
		return nil, fmt.Errorf("create worktree for %s: branch %s: %w", taskID, wt.Branch, ErrPathCollision)
	}

	m.gitMu.Lock()
	_, err := m.git(ctx, m.config.RepoPath, "worktree", "add", "-b", wt.Branch, wt.Path, m.config.BaseBranch)
	m.gitMu.Unlock()
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	head, err := m.git(ctx, wt.Path, "rev-parse", "HEAD")
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to get HEAD commit: %w", err)
	}

	m.mu.Lock()
	wt.BaseCommit = head
	wt.Head = head
	cp := *wt
	m.mu.Unlock()

	m.logger.Debug("worktree created", zap.String("task_id", taskID), zap.String("path", wt.Path))
	return &cp, nil
}

// CommitIteration records everything in the worktree as one commit whose
// message carries the iteration number. Empty iterations still get a commit.
func (m *WorktreeManager) CommitIteration(ctx context.Context, taskID string, iteration int, summary string) (*Commit, error) {
	wt, err := m.lookup(taskID)
	if err != nil {
		return nil, err
	}

	if _, err := m.git(ctx, wt.Path, "add", "-A"); err != nil {
		return nil, fmt.Errorf("stage iteration %d: %w", iteration, err)
	}

	msg := fmt.Sprintf("task %s: iteration %d", taskID, iteration)
	if s := strings.TrimSpace(summary); s != "" {
		msg += "\n\n" + s
	}
	if _, err := m.git(ctx, wt.Path, "commit", "--allow-empty", "--no-verify", "-m", msg); err != nil {
		return nil, fmt.Errorf("commit iteration %d: %w", iteration, err)
	}

	sha, err := m.git(ctx, wt.Path, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("read iteration %d commit: %w", iteration, err)
	}

	diff, err := m.git(ctx, wt.Path, "diff", wt.Head, sha)
	if err != nil {
		return nil, fmt.Errorf("diff iteration %d: %w", iteration, err)
	}
	names, err := m.git(ctx, wt.Path, "diff", "--name-only", wt.Head, sha)
	if err != nil {
		return nil, fmt.Errorf("list iteration %d files: %w", iteration, err)
	}

	m.mu.Lock()
	if cur, ok := m.worktrees[taskID]; ok {
		cur.Head = sha
		cur.State = StateActive
	}
	m.mu.Unlock()

	if len(diff) > m.config.MaxDiffSize {
		diff = diff[:m.config.MaxDiffSize] + "\n... diff truncated"
	}
	return &Commit{SHA: sha, Iteration: iteration, Diff: diff, Files: splitLines(names)}, nil
}

// Merge folds the task branch into the integration branch. A dry run with
// merge-tree classifies the merge first: a clean result (possibly with
// auto-merged files) is applied; overlapping edits return a
// *MergeConflictError and leave both branches untouched.
func (m *WorktreeManager) Merge(ctx context.Context, taskID string) (*MergeResult, error) {
	wt, err := m.lookup(taskID)
	if err != nil {
		return nil, err
	}

	m.mergeMu.Lock()
	defer m.mergeMu.Unlock()

	result, err := m.classify(ctx, wt)
	if err != nil {
		return nil, err
	}
	if result.Class == ConflictComplex {
		return result, &MergeConflictError{TaskID: taskID, Class: ConflictComplex, Files: result.Files}
	}

	if _, err := m.git(ctx, m.config.RepoPath, "checkout", m.config.BaseBranch); err != nil {
		return nil, fmt.Errorf("failed to checkout base branch: %w", err)
	}

	msg := fmt.Sprintf("Merge task %s", taskID)
	if _, err := m.git(ctx, m.config.RepoPath, "merge", "--no-ff", "--no-verify", "-m", msg, wt.Branch); err != nil {
		_, _ = m.git(context.WithoutCancel(ctx), m.config.RepoPath, "merge", "--abort")
		return nil, fmt.Errorf("merge failed: %w", err)
	}

	head, err := m.git(ctx, m.config.RepoPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("read merge commit: %w", err)
	}
	result.Merged = true
	result.Commit = head

	m.mu.Lock()
	if cur, ok := m.worktrees[taskID]; ok {
		cur.State = StateMerged
	}
	m.mu.Unlock()

	m.logger.Info("task merged",
		zap.String("task_id", taskID),
		zap.String("class", string(result.Class)),
		zap.Strings("files", result.Files))
	return result, nil
}

// classify runs git merge-tree without touching any ref or working tree.
func (m *WorktreeManager) classify(ctx context.Context, wt *Worktree) (*MergeResult, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-tree", "--write-tree", "--messages", "--name-only",
		m.config.BaseBranch, wt.Branch)
	cmd.Dir = m.config.RepoPath
	out, err := cmd.Output()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		files := autoMerged(string(out))
		if len(files) == 0 {
			return &MergeResult{Class: ConflictNone}, nil
		}
		return &MergeResult{Class: ConflictSimple, Files: files}, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1:
		return &MergeResult{Class: ConflictComplex, Files: conflicted(string(out))}, nil
	default:
		return nil, fmt.Errorf("merge-tree %s %s: %w", m.config.BaseBranch, wt.Branch, err)
	}
}

// autoMerged returns files git reported as "Auto-merging" in a clean merge.
func autoMerged(output string) []string {
	var files []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		if f, ok := strings.CutPrefix(scanner.Text(), "Auto-merging "); ok {
			files = append(files, strings.TrimSpace(f))
		}
	}
	return dedupe(files)
}

// conflicted parses merge-tree --name-only output: the tree OID, then one
// conflicted path per line, a blank line, then informational messages.
func conflicted(output string) []string {
	var files []string
	scanner := bufio.NewScanner(strings.NewReader(output))
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue
		}
		if line == "" {
			break
		}
		files = append(files, line)
	}
	if len(files) > 0 {
		return dedupe(files)
	}

	// Older output: fall back to CONFLICT lines.
	scanner = bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "CONFLICT") {
			if i := strings.LastIndex(line, " in "); i >= 0 {
				files = append(files, strings.TrimSpace(line[i+4:]))
			}
		}
	}
	return dedupe(files)
}

// Abandon marks a worktree as kept for human review. Sweep never reclaims
// a worktree whose task the caller reports as preserved.
func (m *WorktreeManager) Abandon(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if wt, ok := m.worktrees[taskID]; ok {
		wt.State = StateAbandoned
	}
}

// Remove deletes the worktree directory and the task branch. Unregistered
// tasks are removed by their derived path and branch, which lets it clean
// up after a crash.
func (m *WorktreeManager) Remove(ctx context.Context, taskID string) error {
	path, branch := m.PathFor(taskID), BranchFor(taskID)

	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	var errs []error
	if _, err := os.Stat(path); err == nil {
		if _, err := m.git(ctx, m.config.RepoPath, "worktree", "remove", "--force", path); err != nil {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				errs = append(errs, fmt.Errorf("worktree remove failed: %w", err))
			}
		}
	}
	if m.branchExists(ctx, branch) {
		if _, err := m.git(ctx, m.config.RepoPath, "branch", "-D", branch); err != nil {
			errs = append(errs, fmt.Errorf("branch delete failed: %w", err))
		}
	}
	_, _ = m.git(ctx, m.config.RepoPath, "worktree", "prune")

	m.mu.Lock()
	if wt, ok := m.worktrees[taskID]; ok {
		wt.State = StateRemoved
		delete(m.worktrees, taskID)
	}
	m.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("remove worktree %s: %w", taskID, errors.Join(errs...))
	}
	return nil
}

// Sweep removes worktrees left behind by tasks that already finished.
// reclaimable decides per task ID; tasks it rejects (running, or kept for a
// human) are left alone. It returns the IDs it removed.
func (m *WorktreeManager) Sweep(ctx context.Context, reclaimable func(taskID string) bool) ([]string, error) {
	if err := m.Prune(ctx); err != nil {
		return nil, err
	}

	candidates := make(map[string]bool)
	list, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, wt := range list {
		if wt.TaskID != "" {
			candidates[wt.TaskID] = true
		}
	}

	// Directories git no longer knows about.
	entries, err := os.ReadDir(filepath.Join(m.config.RepoPath, m.config.WorktreeDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read worktree dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			candidates[e.Name()] = true
		}
	}

	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var removed []string
	var errs []error
	for _, id := range ids {
		if !reclaimable(id) {
			continue
		}
		if err := m.Remove(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, id)
		m.logger.Info("swept orphan worktree", zap.String("task_id", id))
	}
	return removed, errors.Join(errs...)
}

// Get returns a copy of the registered worktree.
func (m *WorktreeManager) Get(taskID string) (*Worktree, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.worktrees[taskID]
	if !ok {
		return nil, false
	}
	cp := *wt
	return &cp, true
}

// List returns the task worktrees git knows about, with registry state where available.
func (m *WorktreeManager) List(ctx context.Context) ([]Worktree, error) {
	output, err := m.git(ctx, m.config.RepoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	var worktrees []Worktree
	var current Worktree
	flush := func() {
		if current.Path != "" && current.TaskID != "" {
			m.mu.Lock()
			if reg, ok := m.worktrees[current.TaskID]; ok {
				current.State = reg.State
				current.BaseCommit = reg.BaseCommit
				current.CreatedAt = reg.CreatedAt
			}
			m.mu.Unlock()
			current.BaseBranch = m.config.BaseBranch
			worktrees = append(worktrees, current)
		}
		current = Worktree{}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			current.TaskID = strings.TrimPrefix(current.Branch, "task/")
			if current.TaskID == current.Branch {
				current.TaskID = ""
			}
		}
	}
	flush()
	return worktrees, nil
}

// Prune cleans up stale worktree metadata.
func (m *WorktreeManager) Prune(ctx context.Context) error {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()
	if _, err := m.git(ctx, m.config.RepoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}
	return nil
}

func (m *WorktreeManager) lookup(taskID string) (*Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wt, ok := m.worktrees[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	cp := *wt
	return &cp, nil
}

func (m *WorktreeManager) branchExists(ctx context.Context, branch string) bool {
	_, err := m.git(ctx, m.config.RepoPath, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func (m *WorktreeManager) git(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-c", "user.name=" + m.config.AuthorName, "-c", "user.email=" + m.config.AuthorEmail}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()+stdout.String()))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
