// Package state owns the per-issue state directory: the authoritative JSON
// documents (issue.json, tasks.json, memory.json, run.json), the append-only
// progress log, and the embedded relational mirror that caches them for fast
// queries. JSON is the source of truth; the mirror is disposable.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// IssueProvider identifies where the issue record was ingested from.
type IssueProvider string

const (
	ProviderGitHub      IssueProvider = "github"
	ProviderAzureDevOps IssueProvider = "azure_devops"
)

// Issue is the root record of one issue's state directory.
type Issue struct {
	Repo     string         `json:"repo"` // owner/repo coordinate
	Number   int            `json:"issue"`
	Title    string         `json:"title,omitempty"`
	Provider IssueProvider  `json:"provider,omitempty"`
	Branch   string         `json:"branch"`
	Workflow string         `json:"workflow"`
	Phase    string         `json:"phase,omitempty"`
	Status   map[string]any `json:"status"`
}

// Clone returns a deep copy of the issue. Status values are assumed to be
// JSON scalars or JSON-decoded containers.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	out := *i
	out.Status = make(map[string]any, len(i.Status))
	for k, v := range i.Status {
		out.Status[k] = cloneValue(v)
	}
	return &out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// TaskStatus is the lifecycle state of one task.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskPassed  TaskStatus = "passed"
	TaskFailed  TaskStatus = "failed"
)

// IsTerminal reports whether the status is a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskPassed || s == TaskFailed
}

// Task is one unit of the decomposed implementation plan.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Summary            string     `json:"summary,omitempty"`
	Status             TaskStatus `json:"status"`
	DependsOn          []string   `json:"dependsOn,omitempty"`
	FilesAllowed       []string   `json:"filesAllowed,omitempty"`
	AcceptanceCriteria []string   `json:"acceptanceCriteria,omitempty"`
}

// TaskList is the tasks.json document root.
type TaskList struct {
	SchemaVersion int    `json:"schemaVersion"`
	Tasks         []Task `json:"tasks"`
}

// TaskListSchemaVersion is written on every put.
const TaskListSchemaVersion = 1

// Validate enforces the task-list invariants: unique IDs, an acyclic
// dependency graph referencing known IDs, and well-formed filesAllowed globs.
func (l *TaskList) Validate() error {
	byID := make(map[string]*Task, len(l.Tasks))
	for i := range l.Tasks {
		t := &l.Tasks[i]
		if t.ID == "" {
			return fmt.Errorf("task %d: empty id", i)
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		byID[t.ID] = t
		for _, g := range t.FilesAllowed {
			if !doublestar.ValidatePattern(g) {
				return fmt.Errorf("task %s: invalid filesAllowed glob %q", t.ID, g)
			}
		}
	}
	for _, t := range l.Tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("task %s: unknown dependency %q", t.ID, dep)
			}
		}
	}
	return l.checkAcyclic(byID)
}

func (l *TaskList) checkAcyclic(byID map[string]*Task) error {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	mark := make(map[string]int, len(byID))
	var visit func(id string) error
	visit = func(id string) error {
		switch mark[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle involving task %q", id)
		}
		mark[id] = visiting
		for _, dep := range byID[id].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		mark[id] = done
		return nil
	}
	for id := range byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Ready returns the IDs of pending tasks whose dependencies have all passed,
// in task-list order.
func (l *TaskList) Ready() []string {
	status := make(map[string]TaskStatus, len(l.Tasks))
	for _, t := range l.Tasks {
		status[t.ID] = t.Status
	}
	var ready []string
	for _, t := range l.Tasks {
		if t.Status != TaskPending {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if status[dep] != TaskPassed {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t.ID)
		}
	}
	return ready
}

// MemoryScope partitions memory entries by reinjection rule.
type MemoryScope string

const (
	ScopeWorkingSet MemoryScope = "working_set"
	ScopeDecisions  MemoryScope = "decisions"
	ScopeSession    MemoryScope = "session"
	ScopeCrossRun   MemoryScope = "cross_run"
)

// KnownScopes lists scopes in their fixed prompt ordering.
var KnownScopes = []MemoryScope{ScopeWorkingSet, ScopeDecisions, ScopeSession, ScopeCrossRun}

// Valid reports whether the scope is one of the four known scopes.
func (s MemoryScope) Valid() bool {
	switch s {
	case ScopeWorkingSet, ScopeDecisions, ScopeSession, ScopeCrossRun:
		return true
	}
	return false
}

// MemoryEntry is one (scope, key) fact carried across iterations.
type MemoryEntry struct {
	Scope           MemoryScope     `json:"scope"`
	Key             string          `json:"key"`
	Value           json.RawMessage `json:"value"`
	SourceIteration int             `json:"sourceIteration"`
	Stale           bool            `json:"stale,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// memoryDoc is the memory.json document root.
type memoryDoc struct {
	Entries []MemoryEntry `json:"entries"`
}

// WorkerPhase names the two phases a worker sandbox executes.
type WorkerPhase string

const (
	WorkerImplement WorkerPhase = "implement_task"
	WorkerSpecCheck WorkerPhase = "task_spec_check"
)

// WorkerState is the per-task status surfaced in the run record.
type WorkerState string

const (
	WorkerRunning  WorkerState = "running"
	WorkerPassed   WorkerState = "passed"
	WorkerFailed   WorkerState = "failed"
	WorkerTimedOut WorkerState = "timed_out"
)

// WorkerStatus is one worker's entry in the run record.
type WorkerStatus struct {
	TaskID string      `json:"taskId"`
	Phase  WorkerPhase `json:"phase"`
	Status WorkerState `json:"status"`
}

// RunRecord describes one process-level execution attempt.
type RunRecord struct {
	RunID            string         `json:"runId"`
	Running          bool           `json:"running"`
	PID              int            `json:"pid,omitempty"`
	StartedAt        time.Time      `json:"startedAt"`
	EndedAt          *time.Time     `json:"endedAt,omitempty"`
	Iteration        int            `json:"iteration"`
	MaxIterations    int            `json:"maxIterations"`
	CompletionReason string         `json:"completionReason,omitempty"`
	LastError        string         `json:"lastError,omitempty"`
	Issue            string         `json:"issue,omitempty"` // owner/repo#N
	Workers          []WorkerStatus `json:"workers,omitempty"`
}
