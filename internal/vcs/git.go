// Package vcs is the version-control collaborator: it captures raw
// unified-diff text for a change reference and pushes on finalize. The
// suggestion core treats every call as a black box with a success/failure
// outcome.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Git shells out to the git CLI in a fixed repository directory.
type Git struct {
	dir     string
	timeout time.Duration
}

func NewGit(repoDir string) *Git {
	return &Git{dir: strings.TrimSpace(repoDir), timeout: defaultTimeout}
}

// DiffForChange returns the unified diff for a change reference. The
// reference is passed through to git verbatim (a commit, a range like
// "main...HEAD", or empty for the uncommitted working tree).
func (g *Git) DiffForChange(ctx context.Context, changeRef string) (string, error) {
	args := []string{"diff", "-U3"}
	if ref := strings.TrimSpace(changeRef); ref != "" {
		args = append(args, ref)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return out, nil
}

// Sync pushes the current branch. Called on finalize; failures surface to
// the caller, which reports them as a sync error.
func (g *Git) Sync(ctx context.Context) error {
	if _, err := g.run(ctx, "push"); err != nil {
		return fmt.Errorf("git push: %w", err)
	}
	return nil
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	if g == nil {
		return "", fmt.Errorf("nil git client")
	}
	timeout := g.timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s: %s", err, msg)
		}
		return "", err
	}
	return string(out), nil
}
