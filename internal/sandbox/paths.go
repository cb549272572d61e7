package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathInputs are the coordinates a worker's locations derive from.
type PathInputs struct {
	TaskID            string
	RunID             string
	IssueNumber       int
	Owner             string
	Repo              string
	CanonicalStateDir string
	DataDir           string
}

// WorkerPaths are the derived worker locations. Derivation is a pure
// function of PathInputs.
type WorkerPaths struct {
	// StateDir is the worker's private state directory under the canonical
	// state dir.
	StateDir string
	// WorktreeDir is the worker's git worktree checkout.
	WorktreeDir string
	// Branch is the worker's git branch.
	Branch string
}

// DeriveWorkerPaths validates the identifiers and derives the worker's state
// dir, worktree dir and branch name. Both directories are guaranteed to be
// descendants of their declared parents.
func DeriveWorkerPaths(in PathInputs) (WorkerPaths, error) {
	if err := ValidateTaskID(in.TaskID); err != nil {
		return WorkerPaths{}, err
	}
	if err := ValidatePathSafeID("run id", in.RunID); err != nil {
		return WorkerPaths{}, err
	}
	return WorkerPaths{
		StateDir: filepath.Join(in.CanonicalStateDir, ".runs", in.RunID, "workers", in.TaskID),
		WorktreeDir: filepath.Join(in.DataDir, "worktrees", in.Owner, in.Repo,
			fmt.Sprintf("issue-%d-workers", in.IssueNumber), in.RunID, in.TaskID),
		Branch: fmt.Sprintf("issue/%d-%s-%s", in.IssueNumber, in.TaskID, shortRunID(in.RunID)),
	}, nil
}

// shortRunID is the random suffix after the last dot, or the first 8
// characters when the run ID carries no dot. Including it in the branch name
// keeps branches from colliding with leftovers of a prior failed run.
func shortRunID(runID string) string {
	if i := strings.LastIndexByte(runID, '.'); i >= 0 {
		return runID[i+1:]
	}
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}
