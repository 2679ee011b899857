package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// GitTree applies patches to a git working tree with `git apply`.
type GitTree struct {
	path string
	repo *git.Repository
}

// OpenGitTree opens the repository at path.
func OpenGitTree(path string) (*GitTree, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening git repository %s: %w", path, err)
	}
	return &GitTree{path: path, repo: repo}, nil
}

// Checkout switches the worktree to branch, creating it from HEAD when it
// does not exist. Uncommitted changes are kept.
func (g *GitTree) Checkout(branch string) error {
	wt, err := g.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	ref := plumbing.NewBranchReferenceName(branch)
	_, err = g.repo.Reference(ref, true)
	create := errors.Is(err, plumbing.ErrReferenceNotFound)
	if err != nil && !create {
		return fmt.Errorf("resolving branch %s: %w", branch, err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: create, Keep: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	return nil
}

// Branch returns the current branch name, or "" when HEAD is detached.
func (g *GitTree) Branch() (string, error) {
	head, err := g.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		return head.Name().Short(), nil
	}
	return "", nil
}

// Changed lists paths with uncommitted changes.
func (g *GitTree) Changed() ([]string, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("getting worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	paths := make([]string, 0, len(status))
	for p, s := range status {
		if !s.IsUnmodified() {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// Apply applies diff. A diff that is already applied is a no-op so that a
// resumed workflow can replay its last patch.
func (g *GitTree) Apply(ctx context.Context, diff string) error {
	if strings.TrimSpace(diff) == "" {
		return nil
	}
	if g.git(ctx, diff, "apply", "--check", "--reverse") == nil {
		return nil
	}
	if err := g.git(ctx, diff, "apply", "--check"); err != nil {
		return err
	}
	return g.git(ctx, diff, "apply")
}

func (g *GitTree) git(ctx context.Context, stdin string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.path
	cmd.Stdin = strings.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
