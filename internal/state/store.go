package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"jeeves/internal/logging"
)

// File names inside a state directory. These names are part of the external
// interface; tooling and the viewer read them directly.
const (
	IssueFile    = "issue.json"
	TasksFile    = "tasks.json"
	MemoryFile   = "memory.json"
	ProgressFile = "progress.txt"
	RunFile      = "run.json"
	RunLogFile   = "last-run.log"
	SDKFile      = "sdk-output.json"
	TaskPlanFile = "task-plan.md"
)

var (
	// ErrNotFound is returned when a document does not exist yet.
	ErrNotFound = errors.New("state: not found")
	// ErrCorruptState is returned when an authoritative JSON document fails
	// to parse. No implicit repair is attempted.
	ErrCorruptState = errors.New("state: corrupt document")
	// ErrMirrorUnavailable is returned for operations that require the
	// relational mirror when it could not be opened.
	ErrMirrorUnavailable = errors.New("state: relational mirror unavailable")
)

// Store owns one issue's state directory. A Store holding the write lock is
// the single writer for that directory; readers may open unlocked stores.
type Store struct {
	dir    string
	logger logging.Logger
	mirror *Mirror

	mu     sync.Mutex
	locked bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMirror attaches the relational mirror. A nil mirror leaves the store in
// degraded mode: JSON stays authoritative, memory queries fail with
// ErrMirrorUnavailable.
func WithMirror(m *Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// Open prepares a store over dir, creating the directory if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir state dir: %w", err)
	}
	s := &Store{dir: dir, logger: logging.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)
	return s, nil
}

// Dir returns the state directory path.
func (s *Store) Dir() string { return s.dir }

// MemoryAvailable reports whether memory queries are served by the mirror.
func (s *Store) MemoryAvailable() bool { return s.mirror != nil }

// Lock acquires the advisory single-writer lock for the directory.
func (s *Store) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil
	}
	if err := acquireLock(s.dir); err != nil {
		return err
	}
	s.locked = true
	return nil
}

// Unlock releases the single-writer lock if held.
func (s *Store) Unlock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		releaseLock(s.dir)
		s.locked = false
	}
}

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) readJSON(name string, out any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptState, name, err)
	}
	return nil
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	data = append(data, '\n')
	return writeFileAtomic(s.path(name), data, 0o644)
}

// GetIssue loads issue.json.
func (s *Store) GetIssue() (*Issue, error) {
	var issue Issue
	if err := s.readJSON(IssueFile, &issue); err != nil {
		return nil, err
	}
	if issue.Status == nil {
		issue.Status = map[string]any{}
	}
	return &issue, nil
}

// PutIssue atomically replaces issue.json and upserts the mirror row.
func (s *Store) PutIssue(issue *Issue) error {
	if issue == nil {
		return fmt.Errorf("nil issue")
	}
	if issue.Status == nil {
		issue.Status = map[string]any{}
	}
	if id := issue.Status["currentTaskId"]; id != nil {
		if err := s.checkTaskRef(id); err != nil {
			return err
		}
	}
	if err := s.writeJSON(IssueFile, issue); err != nil {
		return err
	}
	s.mirrorSync(func(m *Mirror) error { return m.UpsertIssue(s.dir, issue) })
	return nil
}

// checkTaskRef verifies currentTaskId points into the task list when one
// exists on disk.
func (s *Store) checkTaskRef(id any) error {
	taskID, ok := id.(string)
	if !ok || taskID == "" {
		return nil
	}
	list, err := s.GetTasks()
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	for _, t := range list.Tasks {
		if t.ID == taskID {
			return nil
		}
	}
	return fmt.Errorf("currentTaskId %q not present in task list", taskID)
}

// UpdateIssueStatus merges fields into the status mapping. Only the given
// keys are touched; a nil value deletes its key. An empty fields map is a
// no-op that still returns the current issue.
func (s *Store) UpdateIssueStatus(fields map[string]any) (*Issue, error) {
	issue, err := s.GetIssue()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return issue, nil
	}
	for k, v := range fields {
		if v == nil {
			delete(issue.Status, k)
			continue
		}
		issue.Status[k] = v
	}
	if err := s.PutIssue(issue); err != nil {
		return nil, err
	}
	return issue, nil
}

// GetTasks loads tasks.json.
func (s *Store) GetTasks() (*TaskList, error) {
	var list TaskList
	if err := s.readJSON(TasksFile, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// PutTasks validates and atomically replaces tasks.json.
func (s *Store) PutTasks(list *TaskList) error {
	if list == nil {
		return fmt.Errorf("nil task list")
	}
	if err := list.Validate(); err != nil {
		return fmt.Errorf("invalid task list: %w", err)
	}
	list.SchemaVersion = TaskListSchemaVersion
	if err := s.writeJSON(TasksFile, list); err != nil {
		return err
	}
	s.mirrorSync(func(m *Mirror) error { return m.UpsertTasks(s.dir, list) })
	return nil
}

// SetTaskStatus updates one task's status in place.
func (s *Store) SetTaskStatus(id string, status TaskStatus) error {
	list, err := s.GetTasks()
	if err != nil {
		return err
	}
	found := false
	for i := range list.Tasks {
		if list.Tasks[i].ID == id {
			list.Tasks[i].Status = status
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown task %q", id)
	}
	return s.PutTasks(list)
}

// AppendProgress appends an entry to progress.txt, inserting a leading
// newline when the file already has content. The file is never rewritten.
func (s *Store) AppendProgress(entry string) error {
	path := s.path(ProgressFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open progress log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat progress log: %w", err)
	}
	if info.Size() > 0 {
		entry = "\n" + entry
	}
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	return nil
}

// GetRun loads run.json.
func (s *Store) GetRun() (*RunRecord, error) {
	var rec RunRecord
	if err := s.readJSON(RunFile, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutRun atomically replaces run.json.
func (s *Store) PutRun(rec *RunRecord) error {
	if rec == nil {
		return fmt.Errorf("nil run record")
	}
	return s.writeJSON(RunFile, rec)
}

// mirrorSync applies fn to the mirror when present. Mirror failures are
// logged, never fatal; JSON remains authoritative.
func (s *Store) mirrorSync(fn func(*Mirror) error) {
	if s.mirror == nil {
		return
	}
	if err := fn(s.mirror); err != nil {
		s.logger.Warn("mirror sync failed (continuing on JSON): %v", err)
	}
}
