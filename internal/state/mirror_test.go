package state

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openMirrored(t *testing.T) (*Store, *Mirror) {
	t.Helper()
	root := t.TempDir()
	m, err := OpenMirror(filepath.Join(root, "jeeves.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	s, err := Open(filepath.Join(root, "state"), WithMirror(m))
	require.NoError(t, err)
	return s, m
}

func TestMemoryUpsertAndQuery(t *testing.T) {
	s, _ := openMirrored(t)

	require.NoError(t, s.UpsertMemory(ScopeWorkingSet, "current-task", json.RawMessage(`{"taskId":"T42"}`), 2))
	require.NoError(t, s.UpsertMemory(ScopeDecisions, "db-choice", json.RawMessage(`{"choice":"sqlite"}`), 3))
	require.NoError(t, s.UpsertMemory(ScopeDecisions, "obsolete", json.RawMessage(`{"choice":"xml"}`), 1))
	require.NoError(t, s.MarkMemoryStale(ScopeDecisions, "obsolete"))

	entries, err := s.GetMemory("", false)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	all, err := s.GetMemory("", true)
	require.NoError(t, err)
	require.Len(t, all, 3)

	decisions, err := s.GetMemory(ScopeDecisions, false)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.Equal(t, "db-choice", decisions[0].Key)
}

func TestMemoryQueryOrdering(t *testing.T) {
	s, _ := openMirrored(t)

	require.NoError(t, s.UpsertMemory(ScopeWorkingSet, "zeta", json.RawMessage(`1`), 1))
	require.NoError(t, s.UpsertMemory(ScopeWorkingSet, "alpha", json.RawMessage(`1`), 1))
	require.NoError(t, s.UpsertMemory(ScopeWorkingSet, "beta", json.RawMessage(`1`), 0))

	entries, err := s.GetMemory(ScopeWorkingSet, false)
	require.NoError(t, err)
	keys := []string{entries[0].Key, entries[1].Key, entries[2].Key}
	require.Equal(t, []string{"beta", "alpha", "zeta"}, keys)
}

func TestMarkMemoryStaleIdempotent(t *testing.T) {
	s, _ := openMirrored(t)
	require.NoError(t, s.UpsertMemory(ScopeSession, "design:focus", json.RawMessage(`{}`), 4))

	require.NoError(t, s.MarkMemoryStale(ScopeSession, "design:focus"))
	require.NoError(t, s.MarkMemoryStale(ScopeSession, "design:focus"))

	all, err := s.GetMemory(ScopeSession, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Stale)
	require.Equal(t, 4, all[0].SourceIteration, "re-marking must not change source_iteration")
}

func TestDeleteMemory(t *testing.T) {
	s, _ := openMirrored(t)
	require.NoError(t, s.UpsertMemory(ScopeCrossRun, "carry", json.RawMessage(`{}`), 1))
	require.NoError(t, s.DeleteMemory(ScopeCrossRun, "carry"))
	// Deleting again is a no-op.
	require.NoError(t, s.DeleteMemory(ScopeCrossRun, "carry"))

	all, err := s.GetMemory(ScopeCrossRun, true)
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestGetMemoryWithoutMirror(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.False(t, s.MemoryAvailable())
	_, err = s.GetMemory("", false)
	require.ErrorIs(t, err, ErrMirrorUnavailable)
}

func TestMirrorRebuildMatchesIncremental(t *testing.T) {
	s, m := openMirrored(t)

	require.NoError(t, s.PutIssue(testIssue()))
	require.NoError(t, s.PutTasks(&TaskList{Tasks: []Task{
		{ID: "T1", Title: "one", Status: TaskPassed},
		{ID: "T2", Title: "two", Status: TaskPending, DependsOn: []string{"T1"}},
	}}))
	require.NoError(t, s.UpsertMemory(ScopeWorkingSet, "k1", json.RawMessage(`{"a":1}`), 1))
	require.NoError(t, s.UpsertMemory(ScopeDecisions, "k2", json.RawMessage(`{"b":2}`), 2))
	require.NoError(t, s.MarkMemoryStale(ScopeDecisions, "k2"))

	before, err := s.GetMemory("", true)
	require.NoError(t, err)

	require.NoError(t, m.Rebuild(s))

	after, err := s.GetMemory("", true)
	require.NoError(t, err)
	require.Equal(t, before, after, "rebuilt mirror must yield identical query results")
}

func TestMemoryValueNormalizedToCompactJSON(t *testing.T) {
	s, m := openMirrored(t)

	// Indented input, as Rebuild sees after memory.json round-trips through
	// the indenting writer.
	require.NoError(t, s.UpsertMemory(ScopeWorkingSet, "k", json.RawMessage("{\n  \"a\": 1\n}"), 1))

	before, err := s.GetMemory(ScopeWorkingSet, false)
	require.NoError(t, err)
	require.Len(t, before, 1)
	require.Equal(t, `{"a":1}`, string(before[0].Value))

	require.NoError(t, m.Rebuild(s))

	after, err := s.GetMemory(ScopeWorkingSet, false)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestUpsertClearsStale(t *testing.T) {
	s, _ := openMirrored(t)
	require.NoError(t, s.UpsertMemory(ScopeWorkingSet, "k", json.RawMessage(`1`), 1))
	require.NoError(t, s.MarkMemoryStale(ScopeWorkingSet, "k"))
	require.NoError(t, s.UpsertMemory(ScopeWorkingSet, "k", json.RawMessage(`2`), 5))

	fresh, err := s.GetMemory(ScopeWorkingSet, false)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	require.Equal(t, 5, fresh[0].SourceIteration)
}
