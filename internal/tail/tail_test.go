package tail

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jeeves/internal/bus"
	"jeeves/internal/logging"
)

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestLogTailerIncremental(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "last-run.log")
	tailer := NewLogTailer(path)

	// Missing file is quiet.
	lines, err := tailer.Poll()
	require.NoError(t, err)
	require.Empty(t, lines)

	appendFile(t, path, "one\ntwo\n")
	lines, err = tailer.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, lines)

	// Nothing new.
	lines, err = tailer.Poll()
	require.NoError(t, err)
	require.Empty(t, lines)

	// Partial line is held back until terminated.
	appendFile(t, path, "thr")
	lines, err = tailer.Poll()
	require.NoError(t, err)
	require.Empty(t, lines)

	appendFile(t, path, "ee\n")
	lines, err = tailer.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"three"}, lines)
}

func TestLogTailerTruncationRestarts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "last-run.log")
	tailer := NewLogTailer(path)

	appendFile(t, path, "old-a\nold-b\n")
	_, err := tailer.Poll()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("new\n"), 0o644))
	lines, err := tailer.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, lines)
}

type recordingSink struct {
	inits     []map[string]any
	messages  []json.RawMessage
	starts    []map[string]any
	completes []map[string]any
	finals    []map[string]any
}

func (r *recordingSink) SDKInit(d map[string]any)         { r.inits = append(r.inits, d) }
func (r *recordingSink) SDKMessage(m json.RawMessage)     { r.messages = append(r.messages, m) }
func (r *recordingSink) SDKToolStart(d map[string]any)    { r.starts = append(r.starts, d) }
func (r *recordingSink) SDKToolComplete(d map[string]any) { r.completes = append(r.completes, d) }
func (r *recordingSink) SDKComplete(d map[string]any)     { r.finals = append(r.finals, d) }

func writeSDK(t *testing.T, path string, doc map[string]any) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestSDKTailerDiffs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sdk-output.json")
	sink := &recordingSink{}
	tailer := NewSDKTailer(path, sink)

	require.NoError(t, tailer.Poll()) // missing file

	writeSDK(t, path, map[string]any{
		"schema":   "jeeves.sdk.v1",
		"runId":    "run-1.abcd1234",
		"phase":    "hello",
		"messages": []any{map[string]any{"type": "system"}},
		"toolCalls": []any{
			map[string]any{"id": "t1", "name": "Write", "startedAt": "x"},
		},
	})
	require.NoError(t, tailer.Poll())
	require.Len(t, sink.inits, 1)
	require.Len(t, sink.messages, 1)
	require.Len(t, sink.starts, 1)
	require.Empty(t, sink.completes)
	require.Empty(t, sink.finals)

	// Same snapshot: nothing new.
	require.NoError(t, tailer.Poll())
	require.Len(t, sink.messages, 1)

	// Grown snapshot with completion.
	writeSDK(t, path, map[string]any{
		"schema": "jeeves.sdk.v1",
		"runId":  "run-1.abcd1234",
		"phase":  "hello",
		"messages": []any{
			map[string]any{"type": "system"},
			map[string]any{"type": "assistant"},
		},
		"toolCalls": []any{
			map[string]any{"id": "t1", "name": "Write", "startedAt": "x", "completedAt": "y"},
		},
		"endedAt": "z",
		"success": true,
	})
	require.NoError(t, tailer.Poll())
	require.Len(t, sink.messages, 2)
	require.Len(t, sink.starts, 1)
	require.Len(t, sink.completes, 1)
	require.Len(t, sink.finals, 1)
	require.Equal(t, true, sink.finals[0]["success"])
}

func TestSDKTailerIgnoresCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sdk-output.json")
	require.NoError(t, os.WriteFile(path, []byte("{partial"), 0o644))
	sink := &recordingSink{}
	tailer := NewSDKTailer(path, sink)
	require.NoError(t, tailer.Poll())
	require.Empty(t, sink.inits)
}

func TestManagerReconcileAndDrain(t *testing.T) {
	root := t.TempDir()
	canonical := filepath.Join(root, "canonical")
	require.NoError(t, os.MkdirAll(canonical, 0o755))
	workerDir := func(taskID string) string { return filepath.Join(root, "workers", taskID) }
	require.NoError(t, os.MkdirAll(workerDir("T1"), 0o755))

	b := bus.New(bus.Limits{})
	sub := b.Subscribe()
	defer sub.Close()

	m := NewManager(b, canonical, workerDir, logging.Nop())
	m.Reconcile([]string{"T1"})

	appendFile(t, filepath.Join(canonical, "last-run.log"), "[RUNNER] canonical line\n")
	appendFile(t, filepath.Join(workerDir("T1"), "last-run.log"), "[ASSISTANT] worker line\n")
	m.PollOnce()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var sawCanonical, sawWorker bool
	for !(sawCanonical && sawWorker) {
		msg, ok := sub.Next(ctx)
		require.True(t, ok)
		switch msg.Event {
		case bus.EventLogs:
			d := msg.Data.(bus.LogsData)
			if !d.Reset && len(d.Lines) > 0 {
				sawCanonical = true
			}
		case bus.EventWorkerLogs:
			d := msg.Data.(bus.LogsData)
			require.Equal(t, "T1", d.TaskID)
			sawWorker = true
		}
	}

	// Removal marks draining: one more cycle, then the pair is gone.
	m.Reconcile([]string{})
	appendFile(t, filepath.Join(workerDir("T1"), "last-run.log"), "[RESULT] trailing\n")
	m.PollOnce()

	var gotTrailing bool
	for !gotTrailing {
		msg, ok := sub.Next(ctx)
		require.True(t, ok)
		if msg.Event == bus.EventWorkerLogs {
			d := msg.Data.(bus.LogsData)
			for _, l := range d.Lines {
				if l == "[RESULT] trailing" {
					gotTrailing = true
				}
			}
		}
	}

	appendFile(t, filepath.Join(workerDir("T1"), "last-run.log"), "[RESULT] late\n")
	m.PollOnce()
	m.mu.Lock()
	_, present := m.workers["T1"]
	m.mu.Unlock()
	require.False(t, present, "drained worker tailer should be removed")
}

func TestManagerReactivationBeforeDrainKeepsTailer(t *testing.T) {
	root := t.TempDir()
	canonical := filepath.Join(root, "canonical")
	require.NoError(t, os.MkdirAll(canonical, 0o755))
	workerDir := func(taskID string) string { return filepath.Join(root, "workers", taskID) }
	require.NoError(t, os.MkdirAll(workerDir("T1"), 0o755))

	b := bus.New(bus.Limits{})
	sub := b.Subscribe()
	defer sub.Close()

	m := NewManager(b, canonical, workerDir, logging.Nop())

	// Wave handoff: the worker set empties and repopulates between polls.
	m.Reconcile([]string{"T1"})
	m.Reconcile(nil)
	m.Reconcile([]string{"T1"})
	m.PollOnce()

	m.mu.Lock()
	p, present := m.workers["T1"]
	m.mu.Unlock()
	require.True(t, present, "reactivated worker tailer must survive the poll")
	require.False(t, p.draining)

	// And it still streams.
	appendFile(t, filepath.Join(workerDir("T1"), "last-run.log"), "[RUNNER] second wave\n")
	m.PollOnce()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		msg, ok := sub.Next(ctx)
		require.True(t, ok)
		if msg.Event != bus.EventWorkerLogs {
			continue
		}
		d := msg.Data.(bus.LogsData)
		require.Equal(t, "T1", d.TaskID)
		require.Contains(t, d.Lines, "[RUNNER] second wave")
		return
	}
}
