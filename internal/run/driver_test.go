package run

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jeeves/internal/config"
	"jeeves/internal/provider"
	"jeeves/internal/state"
	"jeeves/internal/workflow"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.InactivityTimeout = 2 * time.Second
	cfg.PhaseTimeout = 5 * time.Second
	return cfg
}

func seedStore(t *testing.T, workflowName string) *state.Store {
	t.Helper()
	store, err := state.Open(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	require.NoError(t, store.PutIssue(&state.Issue{
		Repo:     "acme/widget",
		Number:   7,
		Branch:   "main",
		Workflow: workflowName,
		Status:   map[string]any{},
	}))
	return store
}

func parseWorkflow(t *testing.T, yaml string) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.Parse([]byte(yaml))
	require.NoError(t, err)
	return wf
}

func TestTerminalOnlyWorkflowCompletesInOneStep(t *testing.T) {
	wf := parseWorkflow(t, `
workflow:
  name: terminal-only
  start: done
phases:
  done:
    type: terminal
`)
	store := seedStore(t, "terminal-only")
	d := New(Options{
		Config:   testConfig(t),
		Store:    store,
		Workflow: wf,
		Provider: provider.ResultOnly("unused"),
	})

	reason, err := d.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonComplete, reason)
	require.Equal(t, 0, ExitCode(reason))

	rec, err := store.GetRun()
	require.NoError(t, err)
	require.False(t, rec.Running)
	require.NotNil(t, rec.EndedAt)
	require.Equal(t, ReasonComplete, rec.CompletionReason)
	require.Equal(t, 0, rec.Iteration)
	require.Equal(t, "acme/widget#7", rec.Issue)
}

func TestNonTransitioningPhaseHitsIterationBudget(t *testing.T) {
	wf := parseWorkflow(t, `
workflow:
  name: fixture-trivial
  start: hello
phases:
  hello:
    type: execute
    transitions: []
`)
	store := seedStore(t, "fixture-trivial")
	cfg := testConfig(t)
	cfg.MaxIterations = 1

	d := New(Options{
		Config:   cfg,
		Store:    store,
		Workflow: wf,
		Provider: provider.ResultOnly("hello there"),
	})
	reason, err := d.Execute(context.Background())
	require.Error(t, err)
	require.Equal(t, ReasonMaxIterations, reason)
	require.Equal(t, 2, ExitCode(reason))

	rec, err := store.GetRun()
	require.NoError(t, err)
	require.Equal(t, 1, rec.Iteration)
	require.Equal(t, ReasonMaxIterations, rec.CompletionReason)

	// The single phase still ran end to end.
	data, err := os.ReadFile(filepath.Join(store.Dir(), state.ProgressFile))
	require.NoError(t, err)
	require.Contains(t, string(data), "Phase: hello")
}

func TestUnchangedStatusStallsTheRun(t *testing.T) {
	wf := parseWorkflow(t, `
workflow:
  name: loopy
  start: spin
phases:
  spin:
    type: execute
    transitions: []
`)
	store := seedStore(t, "loopy")
	cfg := testConfig(t)
	cfg.MaxIterations = 10
	cfg.StallLimit = 2

	d := New(Options{
		Config:   cfg,
		Store:    store,
		Workflow: wf,
		Provider: provider.ResultOnly("still spinning"),
	})
	reason, err := d.Execute(context.Background())
	require.ErrorIs(t, err, workflow.ErrStalled)
	require.Equal(t, ReasonStalled, reason)
	require.Equal(t, 3, ExitCode(reason))

	rec, err := store.GetRun()
	require.NoError(t, err)
	require.Equal(t, 2, rec.Iteration)
}

// hookProvider runs a callback before delegating, standing in for an agent
// that mutates status through state tools.
type hookProvider struct {
	inner *provider.Scripted
	hook  func()
}

func (h hookProvider) Run(ctx context.Context, prompt string, opts provider.Options) (<-chan provider.Event, error) {
	h.hook()
	return h.inner.Run(ctx, prompt, opts)
}

func TestStatusDrivenTransitionToTerminal(t *testing.T) {
	wf := parseWorkflow(t, `
workflow:
  name: two-step
  start: work
phases:
  work:
    type: execute
    transitions:
      - to: done
        when: status.finished == true
  done:
    type: terminal
`)
	store := seedStore(t, "two-step")
	prov := hookProvider{
		inner: provider.ResultOnly("flipping the flag"),
		hook: func() {
			_, err := store.UpdateIssueStatus(map[string]any{"finished": true})
			require.NoError(t, err)
		},
	}

	d := New(Options{
		Config:   testConfig(t),
		Store:    store,
		Workflow: wf,
		Provider: prov,
	})
	reason, err := d.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, ReasonComplete, reason)

	rec, err := store.GetRun()
	require.NoError(t, err)
	require.Equal(t, 1, rec.Iteration)

	issue, err := store.GetIssue()
	require.NoError(t, err)
	require.Equal(t, "done", issue.Phase)
	require.Equal(t, true, issue.Status["finished"])
}

func TestStrictMCPAbortsRun(t *testing.T) {
	wf := parseWorkflow(t, `
workflow:
  name: needs-state
  start: work
phases:
  work:
    type: execute
    mcp_profile: state
    transitions:
      - to: done
        when: status.finished == true
  done:
    type: terminal
`)
	store := seedStore(t, "needs-state")
	d := New(Options{
		Config:   testConfig(t),
		Store:    store,
		Workflow: wf,
		Provider: provider.ResultOnly("never runs"),
	})
	reason, err := d.Execute(context.Background())
	require.Error(t, err)
	require.Equal(t, ReasonMCPMissing, reason)
	require.Equal(t, 5, ExitCode(reason))

	rec, err := store.GetRun()
	require.NoError(t, err)
	require.Equal(t, ReasonMCPMissing, rec.CompletionReason)
	require.Contains(t, rec.LastError, "state")
}

func TestExitCodeMapping(t *testing.T) {
	require.Equal(t, 0, ExitCode(ReasonComplete))
	require.Equal(t, 2, ExitCode(ReasonMaxIterations))
	require.Equal(t, 3, ExitCode(ReasonStalled))
	require.Equal(t, 4, ExitCode(ReasonInvalid))
	require.Equal(t, 5, ExitCode(ReasonMCPMissing))
	require.Equal(t, 1, ExitCode(ReasonError))
	require.Equal(t, 1, ExitCode("anything-else"))
}

func TestNewRunIDShape(t *testing.T) {
	id := NewRunID()
	require.Regexp(t, `^run-\d+\.[0-9a-f-]{8}$`, id)
}
