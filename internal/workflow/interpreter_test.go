package workflow

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"jeeves/internal/logging"
)

func loadTestWorkflow(t *testing.T, name string) *Workflow {
	t.Helper()
	wf, err := ParseFile(filepath.Join("testdata", name+".yaml"))
	require.NoError(t, err)
	return wf
}

func TestParseBothDefaultShapes(t *testing.T) {
	// The source system's tests describe two contradictory "default"
	// graphs; the interpreter must accept either shape.
	direct := loadTestWorkflow(t, "default-direct")
	require.Equal(t, "design", direct.Start)
	require.Contains(t, direct.Phases, "pre_implementation_check")
	require.NotContains(t, direct.Phases, "task_decomposition")

	decomposed := loadTestWorkflow(t, "default-decomposed")
	require.Contains(t, decomposed.Phases, "task_decomposition")
	require.Contains(t, decomposed.Phases, "plan_task")
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no name", "workflow: {version: '1', start: a}\nphases:\n  a: {type: terminal}\n"},
		{"unknown start", "workflow: {name: w, start: nope}\nphases:\n  a: {type: terminal}\n"},
		{"unknown type", "workflow: {name: w, start: a}\nphases:\n  a: {type: bogus}\n"},
		{"unknown target", "workflow: {name: w, start: a}\nphases:\n  a:\n    type: execute\n    transitions:\n      - {to: ghost, auto: true}\n"},
		{"bad predicate", "workflow: {name: w, start: a}\nphases:\n  a:\n    type: execute\n    transitions:\n      - {to: a, when: 'nonsense'}\n"},
		{"terminal with transitions", "workflow: {name: w, start: a}\nphases:\n  a:\n    type: terminal\n    transitions:\n      - {to: a, auto: true}\n"},
		{"auto and when", "workflow: {name: w, start: a}\nphases:\n  a:\n    type: execute\n    transitions:\n      - {to: a, auto: true, when: 'status.x == true'}\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.yaml))
			require.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestNextFirstMatchWins(t *testing.T) {
	wf := loadTestWorkflow(t, "default-direct")
	in := NewInterpreter(wf, 3, logging.Nop())

	d, err := in.Next("design_review", map[string]any{"designApproved": true})
	require.NoError(t, err)
	require.Equal(t, "pre_implementation_check", d.Phase.Name)

	d, err = in.Next("design_review", map[string]any{"designApproved": false})
	require.NoError(t, err)
	require.Equal(t, "design", d.Phase.Name)
}

func TestNextEmptyPhaseUsesStart(t *testing.T) {
	wf := loadTestWorkflow(t, "default-direct")
	in := NewInterpreter(wf, 3, logging.Nop())

	d, err := in.Next("", nil)
	require.NoError(t, err)
	require.Equal(t, "design_review", d.Phase.Name, "design's sole transition is auto")
}

func TestNextTerminal(t *testing.T) {
	wf := loadTestWorkflow(t, "default-direct")
	in := NewInterpreter(wf, 3, logging.Nop())

	d, err := in.Next("done", nil)
	require.NoError(t, err)
	require.True(t, d.Terminal)
}

func TestNextUnknownPhaseFatal(t *testing.T) {
	wf := loadTestWorkflow(t, "default-direct")
	in := NewInterpreter(wf, 3, logging.Nop())

	_, err := in.Next("never_defined", nil)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNextSelfLoopThenStall(t *testing.T) {
	wf := loadTestWorkflow(t, "fixture-trivial")
	in := NewInterpreter(wf, 3, logging.Nop())
	status := map[string]any{}

	for i := 0; i < 3; i++ {
		d, err := in.Next("hello", status)
		require.NoError(t, err)
		require.True(t, d.SelfLoop)
		require.Equal(t, "hello", d.Phase.Name)
	}
	_, err := in.Next("hello", status)
	require.ErrorIs(t, err, ErrStalled)
}

func TestNextSelfLoopResetOnStatusChange(t *testing.T) {
	wf := loadTestWorkflow(t, "fixture-trivial")
	in := NewInterpreter(wf, 2, logging.Nop())

	for i := 0; i < 10; i++ {
		// Status mutates every step, so the stall counter never trips.
		d, err := in.Next("hello", map[string]any{"step": string(rune('a' + i))})
		require.NoError(t, err)
		require.True(t, d.SelfLoop)
	}
}

func TestNextPredicateTypeMismatchFatal(t *testing.T) {
	wf := loadTestWorkflow(t, "default-direct")
	in := NewInterpreter(wf, 3, logging.Nop())

	_, err := in.Next("design_review", map[string]any{"designApproved": "yes"})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoaderCachesByMtime(t *testing.T) {
	dir := t.TempDir()
	src := `workflow: {name: w, version: "1", start: a}
phases:
  a: {type: terminal}
`
	path := filepath.Join(dir, "w.yaml")
	writeFile(t, path, src)

	l, err := NewLoader(dir)
	require.NoError(t, err)

	wf1, err := l.Load("w")
	require.NoError(t, err)
	wf2, err := l.Load("w")
	require.NoError(t, err)
	require.Same(t, wf1, wf2)

	_, err = l.Load("missing")
	require.Error(t, err)
}
