package checkpoint

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// GitRefs resolves and resets the integration branch of a repository.
type GitRefs struct {
	repoPath string
	branch   string
}

// NewGitRefs creates a resolver for branch in the repository at repoPath.
func NewGitRefs(repoPath, branch string) *GitRefs {
	return &GitRefs{repoPath: repoPath, branch: branch}
}

// Head returns the commit the integration branch points at.
func (g *GitRefs) Head(ctx context.Context) (string, error) {
	repo, err := git.PlainOpenWithOptions(g.repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("opening repository %s: %w", g.repoPath, err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(g.branch), true)
	if err != nil {
		return "", fmt.Errorf("resolving branch %s: %w", g.branch, err)
	}
	return ref.Hash().String(), nil
}

// Checkout checks out the integration branch and resets it to ref. The
// working tree of the main checkout is discarded; task worktrees are not
// touched.
func (g *GitRefs) Checkout(ctx context.Context, ref string) error {
	if _, err := g.git(ctx, "checkout", g.branch); err != nil {
		return err
	}
	if _, err := g.git(ctx, "reset", "--hard", ref); err != nil {
		return err
	}
	return nil
}

func (g *GitRefs) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoPath
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w (output: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}
