package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jeeves/internal/provider"
	"jeeves/internal/state"
	"jeeves/internal/workflow"
)

func newTestStore(t *testing.T, withMirror bool) *state.Store {
	t.Helper()
	dir := t.TempDir()
	opts := []state.Option{}
	if withMirror {
		mirror, err := state.OpenMirror(filepath.Join(dir, "mirror.db"))
		require.NoError(t, err)
		opts = append(opts, state.WithMirror(mirror))
	}
	store, err := state.Open(filepath.Join(dir, "state"), opts...)
	require.NoError(t, err)
	return store
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestTrivialPhase(t *testing.T) {
	store := newTestStore(t, false)
	r := New(Options{
		Store:    store,
		Provider: provider.ResultOnly("hello from the agent"),
		RunID:    "run-1.abcd1234",
	})

	phase := &workflow.Phase{Name: "hello", Type: workflow.PhaseExecute}
	res, err := r.RunPhase(context.Background(), phase)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.False(t, res.TimedOut)

	var doc Document
	require.NoError(t, json.Unmarshal(
		[]byte(readFile(t, filepath.Join(store.Dir(), state.SDKFile))), &doc))
	require.Equal(t, "jeeves.sdk.v1", doc.Schema)
	require.True(t, doc.Success)
	require.Equal(t, "hello", doc.Phase)
	require.NotNil(t, doc.EndedAt)

	log := readFile(t, filepath.Join(store.Dir(), state.RunLogFile))
	require.Contains(t, log, "[RUNNER]")
	require.Contains(t, log, "[ASSISTANT]")

	progress := readFile(t, filepath.Join(store.Dir(), state.ProgressFile))
	require.Contains(t, progress, "Phase: hello")
	require.Contains(t, progress, "Ended:")
}

func seedMemory(t *testing.T, store *state.Store) {
	t.Helper()
	put := func(scope state.MemoryScope, key, value string, iter int) {
		require.NoError(t, store.UpsertMemory(scope, key, json.RawMessage(value), iter))
	}
	put(state.ScopeWorkingSet, "current-task", `{"taskId":"T42"}`, 2)
	put(state.ScopeDecisions, "db-choice", `{"choice":"sqlite"}`, 3)
	put(state.ScopeDecisions, "obsolete", `{"choice":"xml"}`, 1)
	require.NoError(t, store.MarkMemoryStale(state.ScopeDecisions, "obsolete"))
	put(state.ScopeSession, "implement_task:focus", `{"note":"edit the parser"}`, 3)
	put(state.ScopeSession, "design_plan:focus", `{"note":"sketch"}`, 2)
	put(state.ScopeCrossRun, "impl:carry-forward", `{"relevantPhases":["implement_task"],"hint":"watch the lock"}`, 1)
	put(state.ScopeCrossRun, "review:carry-forward", `{"relevantPhases":["design_review"]}`, 1)
}

func TestMemoryInjection(t *testing.T) {
	store := newTestStore(t, true)
	seedMemory(t, store)

	scripted := provider.ResultOnly("ok")
	r := New(Options{Store: store, Provider: scripted, RunID: "run-2.beefcafe"})

	phase := &workflow.Phase{Name: "implement_task", Type: workflow.PhaseExecute}
	res, err := r.RunPhase(context.Background(), phase)
	require.NoError(t, err)
	require.True(t, res.Success)

	prompt := scripted.LastPrompt()
	ws := strings.Index(prompt, "### Working Set (active)")
	dec := strings.Index(prompt, "### Decisions (active)")
	ses := strings.Index(prompt, "### Session Context (phase=implement_task)")
	cr := strings.Index(prompt, "### Cross-Run Memory (relevant)")
	require.True(t, ws >= 0 && dec > ws && ses > dec && cr > ses,
		"scope headings out of order in prompt:\n%s", prompt)

	require.Contains(t, prompt, "current-task")
	require.Contains(t, prompt, "db-choice")
	require.Contains(t, prompt, "implement_task:focus")
	require.Contains(t, prompt, "impl:carry-forward")

	require.NotContains(t, prompt, "obsolete")
	require.NotContains(t, prompt, "design_plan:focus")
	require.NotContains(t, prompt, "review:carry-forward")
}

func TestMemoryBlockDeterministic(t *testing.T) {
	store := newTestStore(t, true)
	seedMemory(t, store)

	first, on, err := memoryBlock(store, "implement_task")
	require.NoError(t, err)
	require.True(t, on)
	second, _, err := memoryBlock(store, "implement_task")
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestMemoryDisabledWithoutMirror(t *testing.T) {
	store := newTestStore(t, false)
	scripted := provider.ResultOnly("ok")
	r := New(Options{Store: store, Provider: scripted, RunID: "run-3.0badf00d"})

	_, err := r.RunPhase(context.Background(), &workflow.Phase{Name: "hello", Type: workflow.PhaseExecute})
	require.NoError(t, err)

	require.NotContains(t, scripted.LastPrompt(), "<memory_context>")
	log := readFile(t, filepath.Join(store.Dir(), state.RunLogFile))
	require.Contains(t, log, "memory_context=disabled")
}

func TestTaskPlanExtraction(t *testing.T) {
	store := newTestStore(t, false)
	const plan = "# Canonical Plan\n\n- Step A\n- Step B"
	scripted := provider.NewScripted(
		provider.Event{
			Type: provider.EventAssistant,
			Text: "writing the plan",
			ToolUses: []provider.ToolUse{{
				ID:   "t1",
				Name: "Write",
				Input: map[string]any{
					"file_path": ".jeeves/task-plan.md",
					"content":   plan,
				},
			}},
		},
		provider.Event{Type: provider.EventAssistant, Text: "here is the plan again:\n# Not The Plan"},
		provider.Event{Type: provider.EventResult, Text: "done"},
	)
	r := New(Options{Store: store, Provider: scripted, RunID: "run-4.feedface"})

	res, err := r.RunPhase(context.Background(), &workflow.Phase{Name: "design_plan", Type: workflow.PhaseExecute})
	require.NoError(t, err)
	require.True(t, res.Success)

	got := readFile(t, filepath.Join(store.Dir(), state.TaskPlanFile))
	require.Equal(t, plan, got)
}

func TestStrictMCPFailFast(t *testing.T) {
	store := newTestStore(t, false)
	scripted := provider.ResultOnly("should not run")
	r := New(Options{Store: store, Provider: scripted, RunID: "run-5.deadbeef"})

	phase := &workflow.Phase{
		Name:       "implement_task",
		Type:       workflow.PhaseExecute,
		MCPProfile: "state_with_pruner",
	}
	res, err := r.RunPhase(context.Background(), phase)
	require.ErrorIs(t, err, ErrMCPMissing)
	require.False(t, res.Success)
	require.Zero(t, scripted.Runs(), "provider must not start under strict fail-fast")

	log := readFile(t, filepath.Join(store.Dir(), state.RunLogFile))
	require.Contains(t, log, "[MCP] FAIL_FAST")
	require.Contains(t, log, "Missing required MCP servers")

	var doc Document
	require.NoError(t, json.Unmarshal(
		[]byte(readFile(t, filepath.Join(store.Dir(), state.SDKFile))), &doc))
	require.False(t, doc.Success)
}

func TestDegradedMCPProceeds(t *testing.T) {
	store := newTestStore(t, false)
	scripted := provider.ResultOnly("ok")
	r := New(Options{Store: store, Provider: scripted, RunID: "run-6.cafebabe"})

	phase := &workflow.Phase{
		Name:           "implement_task",
		Type:           workflow.PhaseExecute,
		MCPProfile:     "state_with_pruner",
		MCPEnforcement: workflow.EnforceAllowDegrade,
	}
	res, err := r.RunPhase(context.Background(), phase)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.Degraded)
	require.Equal(t, 1, scripted.Runs())

	log := readFile(t, filepath.Join(store.Dir(), state.RunLogFile))
	require.Contains(t, log, "DEGRADED_MODE")
}

func TestInactivityTimeout(t *testing.T) {
	store := newTestStore(t, false)
	scripted := provider.NewScripted(
		provider.Event{Type: provider.EventAssistant, Text: "slow"},
		provider.Event{Type: provider.EventResult, Text: "done"},
	)
	scripted.Delay = 500 * time.Millisecond

	r := New(Options{
		Store:      store,
		Provider:   scripted,
		RunID:      "run-7.a1b2c3d4",
		Inactivity: 50 * time.Millisecond,
	})
	res, err := r.RunPhase(context.Background(), &workflow.Phase{Name: "hello", Type: workflow.PhaseExecute})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.True(t, res.TimedOut)

	var doc Document
	require.NoError(t, json.Unmarshal(
		[]byte(readFile(t, filepath.Join(store.Dir(), state.SDKFile))), &doc))
	require.False(t, doc.Success)
	require.NotNil(t, doc.EndedAt)
}

func TestErrorEventFailsPhase(t *testing.T) {
	store := newTestStore(t, false)
	scripted := provider.NewScripted(
		provider.Event{Type: provider.EventAssistant, Text: "working"},
		provider.Event{Type: provider.EventError, Text: "tool exploded"},
		provider.Event{Type: provider.EventResult, Text: "gave up"},
	)
	r := New(Options{Store: store, Provider: scripted, RunID: "run-8.87654321"})

	res, err := r.RunPhase(context.Background(), &workflow.Phase{Name: "hello", Type: workflow.PhaseExecute})
	require.NoError(t, err)
	require.False(t, res.Success)
	require.False(t, res.TimedOut)

	progress := readFile(t, filepath.Join(store.Dir(), state.ProgressFile))
	require.Contains(t, progress, "Outcome: failure")
}

func TestResolveTemplate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prompts", "hello.md"), []byte("from file"), 0o644))

	got, err := ResolveTemplate(dir, &workflow.Phase{Name: "hello", Prompt: "hello.md"})
	require.NoError(t, err)
	require.Equal(t, "from file", got)

	got, err = ResolveTemplate(dir, &workflow.Phase{Name: "hello", Prompt: "Do the thing."})
	require.NoError(t, err)
	require.Equal(t, "Do the thing.", got)

	got, err = ResolveTemplate(dir, &workflow.Phase{Name: "hello"})
	require.NoError(t, err)
	require.Empty(t, got)
}
