package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"jeeves/internal/logging"
)

// Git shells out to the git binary. Worktree and branch mutations against the
// same repository are serialized through a per-repo mutex; transient lock
// contention from concurrent git processes is retried with bounded backoff.
type Git struct {
	logger logging.Logger

	mu    sync.Mutex
	repos map[string]*sync.Mutex
}

// NewGit creates a git command layer.
func NewGit(logger logging.Logger) *Git {
	return &Git{
		logger: logging.OrNop(logger),
		repos:  make(map[string]*sync.Mutex),
	}
}

func (g *Git) repoLock(repoDir string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.repos[repoDir]
	if !ok {
		l = &sync.Mutex{}
		g.repos[repoDir] = l
	}
	return l
}

// run executes one git command in repoDir and returns trimmed combined
// output.
func (g *Git) run(ctx context.Context, repoDir string, args ...string) (string, error) {
	var out string
	op := func() error {
		cmd := exec.CommandContext(ctx, "git", args...)
		cmd.Dir = repoDir
		raw, err := cmd.CombinedOutput()
		out = strings.TrimSpace(string(raw))
		if err != nil {
			gitErr := fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
			if transientGitError(out) {
				g.logger.Debug("transient git failure, retrying: %v", gitErr)
				return gitErr
			}
			return backoff.Permanent(gitErr)
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(newGitBackoff(), 4), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return out, err
	}
	return out, nil
}

func newGitBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return bo
}

// transientGitError matches failures caused by another git process holding a
// lock; these resolve themselves and are worth retrying.
func transientGitError(output string) bool {
	return strings.Contains(output, "index.lock") ||
		strings.Contains(output, "cannot lock ref") ||
		strings.Contains(output, "Another git process")
}

// locked runs fn under the repo's mutex.
func (g *Git) locked(repoDir string, fn func() error) error {
	l := g.repoLock(repoDir)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// RevParse resolves a ref to a commit hash.
func (g *Git) RevParse(ctx context.Context, repoDir, ref string) (string, error) {
	return g.run(ctx, repoDir, "rev-parse", "--verify", ref)
}

// BranchExists reports whether the local branch exists.
func (g *Git) BranchExists(ctx context.Context, repoDir, branch string) bool {
	_, err := g.run(ctx, repoDir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// WorktreeAddReset creates dir checked out on branch, forcibly (re)pointing
// the branch at startPoint.
func (g *Git) WorktreeAddReset(ctx context.Context, repoDir, dir, branch, startPoint string) error {
	return g.locked(repoDir, func() error {
		_, err := g.run(ctx, repoDir, "worktree", "add", "-B", branch, dir, startPoint)
		return err
	})
}

// WorktreeAttach re-attaches dir to an existing branch without moving it.
func (g *Git) WorktreeAttach(ctx context.Context, repoDir, dir, branch string) error {
	return g.locked(repoDir, func() error {
		_, err := g.run(ctx, repoDir, "worktree", "add", dir, branch)
		return err
	})
}

// WorktreeRemove force-removes a worktree registration and checkout.
func (g *Git) WorktreeRemove(ctx context.Context, repoDir, dir string) error {
	return g.locked(repoDir, func() error {
		_, err := g.run(ctx, repoDir, "worktree", "remove", "--force", dir)
		return err
	})
}

// WorktreePrune drops stale worktree registrations.
func (g *Git) WorktreePrune(ctx context.Context, repoDir string) error {
	return g.locked(repoDir, func() error {
		_, err := g.run(ctx, repoDir, "worktree", "prune")
		return err
	})
}

// BranchDelete force-deletes a local branch.
func (g *Git) BranchDelete(ctx context.Context, repoDir, branch string) error {
	return g.locked(repoDir, func() error {
		_, err := g.run(ctx, repoDir, "branch", "-D", branch)
		return err
	})
}

// CommonDir resolves the repository's common git directory for a checkout.
// The info/exclude file lives there and is shared by every worktree.
func (g *Git) CommonDir(ctx context.Context, checkoutDir string) (string, error) {
	out, err := g.run(ctx, checkoutDir, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(checkoutDir, out)
	}
	return filepath.Clean(out), nil
}
