package tail

import (
	"encoding/json"
	"os"
)

// sdkSnapshot is the tailer's view of sdk-output.json. Only the fields the
// differ needs are decoded; message payloads pass through raw.
type sdkSnapshot struct {
	Schema    string            `json:"schema"`
	RunID     string            `json:"runId"`
	Phase     string            `json:"phase"`
	EndedAt   string            `json:"endedAt"`
	Success   *bool             `json:"success"`
	Messages  []json.RawMessage `json:"messages"`
	ToolCalls []sdkToolCall     `json:"toolCalls"`
}

type sdkToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input,omitempty"`
	StartedAt   string          `json:"startedAt,omitempty"`
	CompletedAt string          `json:"completedAt,omitempty"`
	Result      string          `json:"result,omitempty"`
	IsError     bool            `json:"isError,omitempty"`
}

// SDKSink receives diffed structured events from an SDKTailer.
type SDKSink interface {
	SDKInit(data map[string]any)
	SDKMessage(raw json.RawMessage)
	SDKToolStart(data map[string]any)
	SDKToolComplete(data map[string]any)
	SDKComplete(data map[string]any)
}

// SDKTailer polls sdk-output.json, diffs it against the last seen
// message-count / tool-count / completion-flag triple, and emits only unseen
// items.
type SDKTailer struct {
	path string
	sink SDKSink

	initSeen  bool
	msgSeen   int
	startSeen int
	doneSeen  int
	completed bool
}

// NewSDKTailer creates a tailer over an sdk-output.json path.
func NewSDKTailer(path string, sink SDKSink) *SDKTailer {
	return &SDKTailer{path: path, sink: sink}
}

// Poll reads the snapshot and emits unseen items in document order. Corrupt
// or missing snapshots are skipped; a document visibly restarted (fewer
// messages than seen) resets the counters.
func (t *SDKTailer) Poll() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap sdkSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// Partially flushed writer; a later poll will see the rename.
		return nil
	}

	if len(snap.Messages) < t.msgSeen {
		t.initSeen = false
		t.msgSeen = 0
		t.startSeen = 0
		t.doneSeen = 0
		t.completed = false
	}

	if !t.initSeen && snap.Schema != "" {
		t.initSeen = true
		t.sink.SDKInit(map[string]any{
			"schema": snap.Schema,
			"runId":  snap.RunID,
			"phase":  snap.Phase,
		})
	}
	for _, raw := range snap.Messages[min(t.msgSeen, len(snap.Messages)):] {
		t.sink.SDKMessage(raw)
	}
	t.msgSeen = len(snap.Messages)

	for i := t.startSeen; i < len(snap.ToolCalls); i++ {
		tc := snap.ToolCalls[i]
		t.sink.SDKToolStart(map[string]any{
			"id":   tc.ID,
			"name": tc.Name,
		})
	}
	t.startSeen = len(snap.ToolCalls)

	done := 0
	for _, tc := range snap.ToolCalls {
		if tc.CompletedAt != "" {
			done++
		}
	}
	if done > t.doneSeen {
		emitted := 0
		for _, tc := range snap.ToolCalls {
			if tc.CompletedAt == "" {
				continue
			}
			emitted++
			if emitted <= t.doneSeen {
				continue
			}
			t.sink.SDKToolComplete(map[string]any{
				"id":      tc.ID,
				"name":    tc.Name,
				"isError": tc.IsError,
			})
		}
		t.doneSeen = done
	}

	if !t.completed && snap.EndedAt != "" {
		t.completed = true
		success := false
		if snap.Success != nil {
			success = *snap.Success
		}
		t.sink.SDKComplete(map[string]any{
			"runId":   snap.RunID,
			"phase":   snap.Phase,
			"success": success,
		})
	}
	return nil
}
