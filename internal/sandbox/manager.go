package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"jeeves/internal/logging"
	"jeeves/internal/state"
)

// ErrWorktreeAttach reports a fatal failure to re-attach an existing worker
// sandbox (completion reason worktree_attach_failed).
var ErrWorktreeAttach = errors.New("worktree_attach_failed")

// linkName is the directory link inside each worker worktree pointing at the
// worker's state dir.
const linkName = ".jeeves"

// FeedbackFile carries an optional retry note into a fresh sandbox.
const FeedbackFile = "feedback.md"

// taskLoopFlags are the per-task status fields cleared when a worker's issue
// copy is prepared.
var taskLoopFlags = []string{
	"taskPassed", "taskFailed", "commitFailed", "pushFailed",
	"hasMoreTasks", "allTasksComplete",
}

// Options configures a Manager.
type Options struct {
	// Store is the canonical state store.
	Store *state.Store
	// RepoDir is the canonical checkout worktrees are derived from.
	RepoDir string
	// DataDir roots the derived worktrees.
	DataDir string
	// Owner and Repo are the owner/repo coordinate of the issue.
	Owner string
	Repo  string
	// IssueNumber is the issue number.
	IssueNumber int
	// CanonicalBranch is the branch worker branches reset to on create.
	CanonicalBranch string
	// Width bounds concurrent workers during a wave.
	Width  int
	Git    *Git
	Logger logging.Logger
}

// Manager creates, reuses and cleans up worker sandboxes for one issue.
type Manager struct {
	store           *state.Store
	git             *Git
	repoDir         string
	dataDir         string
	owner           string
	repo            string
	issueNumber     int
	canonicalBranch string
	width           int
	logger          logging.Logger
}

// Worker is one prepared sandbox.
type Worker struct {
	TaskID string
	Paths  WorkerPaths
	// Store is opened over the worker's private state dir.
	Store *state.Store
}

// New creates a manager.
func New(opts Options) *Manager {
	m := &Manager{
		store:           opts.Store,
		git:             opts.Git,
		repoDir:         opts.RepoDir,
		dataDir:         opts.DataDir,
		owner:           opts.Owner,
		repo:            opts.Repo,
		issueNumber:     opts.IssueNumber,
		canonicalBranch: opts.CanonicalBranch,
		width:           opts.Width,
		logger:          logging.OrNop(opts.Logger),
	}
	if m.git == nil {
		m.git = NewGit(m.logger)
	}
	if m.width < 1 {
		m.width = 1
	}
	return m
}

// Paths derives the worker locations for a task under this manager's issue.
func (m *Manager) Paths(runID, taskID string) (WorkerPaths, error) {
	return m.paths(runID, taskID)
}

func (m *Manager) paths(runID, taskID string) (WorkerPaths, error) {
	return DeriveWorkerPaths(PathInputs{
		TaskID:            taskID,
		RunID:             runID,
		IssueNumber:       m.issueNumber,
		Owner:             m.owner,
		Repo:              m.repo,
		CanonicalStateDir: m.store.Dir(),
		DataDir:           m.dataDir,
	})
}

// Create prepares a fresh sandbox for a task: worker state dir seeded from
// the canonical issue and task list, a new worktree on the worker branch
// forcibly reset to the canonical branch tip, and the state-dir link.
func (m *Manager) Create(ctx context.Context, runID, taskID, feedback string) (*Worker, error) {
	paths, err := m.paths(runID, taskID)
	if err != nil {
		return nil, err
	}

	workerStore, err := m.seedStateDir(paths, taskID, feedback)
	if err != nil {
		return nil, err
	}

	// A leftover worktree from a prior run is removed wholesale; create is
	// always a clean slate.
	if _, err := os.Stat(paths.WorktreeDir); err == nil {
		if err := m.git.WorktreeRemove(ctx, m.repoDir, paths.WorktreeDir); err != nil {
			m.logger.Warn("stale worktree remove failed: %v", err)
			os.RemoveAll(paths.WorktreeDir)
			_ = m.git.WorktreePrune(ctx, m.repoDir)
		}
	}
	if err := m.git.WorktreeAddReset(ctx, m.repoDir, paths.WorktreeDir, paths.Branch, m.canonicalBranch); err != nil {
		return nil, fmt.Errorf("create worker worktree: %w", err)
	}
	if err := m.linkStateDir(ctx, paths); err != nil {
		return nil, err
	}

	m.logger.Info("worker sandbox created: task=%s branch=%s", taskID, paths.Branch)
	return &Worker{TaskID: taskID, Paths: paths, Store: workerStore}, nil
}

// Reuse re-attaches an existing sandbox for a follow-up phase on the same
// task. The branch is not reset; the spec-check phase sees exactly the tree
// the implement phase committed. Attachment failure is fatal.
func (m *Manager) Reuse(ctx context.Context, runID, taskID string) (*Worker, error) {
	paths, err := m.paths(runID, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(paths.StateDir); err != nil {
		return nil, fmt.Errorf("%w: worker state dir missing: %v", ErrWorktreeAttach, err)
	}
	if !m.git.BranchExists(ctx, m.repoDir, paths.Branch) {
		return nil, fmt.Errorf("%w: branch %s does not exist", ErrWorktreeAttach, paths.Branch)
	}
	if _, err := os.Stat(paths.WorktreeDir); err != nil {
		_ = m.git.WorktreePrune(ctx, m.repoDir)
		if err := m.git.WorktreeAttach(ctx, m.repoDir, paths.WorktreeDir, paths.Branch); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWorktreeAttach, err)
		}
	}
	if err := m.linkStateDir(ctx, paths); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWorktreeAttach, err)
	}

	workerStore, err := state.Open(paths.StateDir, state.WithLogger(m.logger))
	if err != nil {
		return nil, err
	}
	m.logger.Info("worker sandbox reused: task=%s branch=%s", taskID, paths.Branch)
	return &Worker{TaskID: taskID, Paths: paths, Store: workerStore}, nil
}

// seedStateDir writes the worker's task list (verbatim canonical copy), the
// modified issue record and an optional feedback note.
func (m *Manager) seedStateDir(paths WorkerPaths, taskID, feedback string) (*state.Store, error) {
	workerStore, err := state.Open(paths.StateDir, state.WithLogger(m.logger))
	if err != nil {
		return nil, err
	}

	tasksRaw, err := os.ReadFile(filepath.Join(m.store.Dir(), state.TasksFile))
	switch {
	case err == nil:
		if err := state.WriteFileAtomic(filepath.Join(paths.StateDir, state.TasksFile), tasksRaw, 0o644); err != nil {
			return nil, fmt.Errorf("copy task list: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read canonical task list: %w", err)
	}

	issue, err := m.store.GetIssue()
	if err != nil {
		return nil, fmt.Errorf("read canonical issue: %w", err)
	}
	workerIssue := issue.Clone()
	workerIssue.Status["currentTaskId"] = taskID
	for _, flag := range taskLoopFlags {
		delete(workerIssue.Status, flag)
	}
	if err := workerStore.PutIssue(workerIssue); err != nil {
		return nil, fmt.Errorf("write worker issue: %w", err)
	}

	if feedback != "" {
		if err := state.WriteFileAtomic(filepath.Join(paths.StateDir, FeedbackFile), []byte(feedback), 0o644); err != nil {
			return nil, fmt.Errorf("write feedback note: %w", err)
		}
	}
	return workerStore, nil
}

// linkStateDir (re)creates the .jeeves directory symlink inside the worktree
// and registers it in the repository's shared exclude file.
func (m *Manager) linkStateDir(ctx context.Context, paths WorkerPaths) error {
	link := filepath.Join(paths.WorktreeDir, linkName)
	_ = os.Remove(link)
	if err := os.Symlink(paths.StateDir, link); err != nil {
		return fmt.Errorf("link state dir: %w", err)
	}

	commonDir, err := m.git.CommonDir(ctx, paths.WorktreeDir)
	if err != nil {
		return fmt.Errorf("resolve git common dir: %w", err)
	}
	return registerExclude(commonDir, linkName)
}

// registerExclude appends pattern to <gitDir>/info/exclude once.
func registerExclude(gitDir, pattern string) error {
	infoDir := filepath.Join(gitDir, "info")
	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		return err
	}
	excludePath := filepath.Join(infoDir, "exclude")
	existing, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, line := range splitLines(string(existing)) {
		if line == pattern {
			return nil
		}
	}
	f, err := os.OpenFile(excludePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(pattern + "\n")
	return err
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// WriteMarker atomically creates the phase completion marker in the worker
// state dir. The marker is the authoritative resume signal and is only
// written after the phase's final event is persisted.
func WriteMarker(stateDir string, phase state.WorkerPhase) error {
	return state.WriteFileAtomic(filepath.Join(stateDir, string(phase)+".done"), nil, 0o644)
}

// MarkerExists reports whether the phase marker is present.
func MarkerExists(stateDir string, phase state.WorkerPhase) bool {
	_, err := os.Stat(filepath.Join(stateDir, string(phase)+".done"))
	return err == nil
}

// Cleanup disposes of a worker after its task completed. On success the
// worktree and branch are removed and the state dir retained for
// observability. On failure everything is retained for debugging.
func (m *Manager) Cleanup(ctx context.Context, w *Worker, success bool) error {
	if !success {
		m.logger.Info("worker %s failed, retaining sandbox for debugging", w.TaskID)
		return nil
	}
	if err := m.git.WorktreeRemove(ctx, m.repoDir, w.Paths.WorktreeDir); err != nil {
		return fmt.Errorf("remove worker worktree: %w", err)
	}
	if err := m.git.BranchDelete(ctx, m.repoDir, w.Paths.Branch); err != nil {
		return fmt.Errorf("delete worker branch: %w", err)
	}
	return nil
}

// RunWave executes fn for each task with bounded parallelism. The first
// error cancels the remaining workers via the group context.
func (m *Manager) RunWave(ctx context.Context, taskIDs []string, fn func(ctx context.Context, taskID string) error) error {
	g, waveCtx := errgroup.WithContext(ctx)
	g.SetLimit(m.width)
	for _, taskID := range taskIDs {
		g.Go(func() error {
			return fn(waveCtx, taskID)
		})
	}
	return g.Wait()
}
