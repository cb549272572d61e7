package runner

import (
	"encoding/json"
	"fmt"
	"time"

	"jeeves/internal/provider"
	"jeeves/internal/state"
)

// SDKSchema tags sdk-output.json documents.
const SDKSchema = "jeeves.sdk.v1"

// DocMessage is one provider event as persisted in the document.
type DocMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text,omitempty"`
}

// ToolCall records one tool invocation and, once observed, its completion.
type ToolCall struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Input       map[string]any `json:"input,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	IsError     bool           `json:"isError,omitempty"`
}

// Document is the structured per-phase agent transcript. The runner flushes
// it atomically after every mutation so tailers always read a parseable
// snapshot.
type Document struct {
	Schema     string       `json:"schema"`
	RunID      string       `json:"runId"`
	Phase      string       `json:"phase"`
	StartedAt  time.Time    `json:"startedAt"`
	EndedAt    *time.Time   `json:"endedAt,omitempty"`
	Success    bool         `json:"success"`
	Messages   []DocMessage `json:"messages"`
	ToolCalls  []ToolCall   `json:"toolCalls"`
	ResultText string       `json:"resultText,omitempty"`
	ErrorText  string       `json:"errorText,omitempty"`

	path string
}

func newDocument(path, runID, phase string) *Document {
	return &Document{
		Schema:    SDKSchema,
		RunID:     runID,
		Phase:     phase,
		StartedAt: time.Now().UTC(),
		Messages:  []DocMessage{},
		ToolCalls: []ToolCall{},
		path:      path,
	}
}

// absorb folds one provider event into the document.
func (d *Document) absorb(ev provider.Event) {
	d.Messages = append(d.Messages, DocMessage{
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Text:      ev.Text,
	})
	for _, tu := range ev.ToolUses {
		d.startTool(tu, ev.Timestamp)
	}
	if ev.ToolResult != nil {
		d.completeTool(ev.ToolResult, ev.Timestamp)
	}
	switch ev.Type {
	case provider.EventResult:
		d.ResultText = ev.Text
	case provider.EventError:
		d.ErrorText = ev.Text
	}
}

func (d *Document) startTool(tu provider.ToolUse, at time.Time) {
	for i := range d.ToolCalls {
		if tu.ID != "" && d.ToolCalls[i].ID == tu.ID {
			return
		}
	}
	d.ToolCalls = append(d.ToolCalls, ToolCall{
		ID:        tu.ID,
		Name:      tu.Name,
		Input:     tu.Input,
		StartedAt: at,
	})
}

func (d *Document) completeTool(tr *provider.ToolResult, at time.Time) {
	for i := len(d.ToolCalls) - 1; i >= 0; i-- {
		tc := &d.ToolCalls[i]
		if tc.CompletedAt != nil {
			continue
		}
		if tr.ID != "" && tc.ID != tr.ID {
			continue
		}
		done := at
		tc.CompletedAt = &done
		tc.IsError = tr.IsError
		return
	}
}

// finish stamps the terminal fields.
func (d *Document) finish(success bool) {
	now := time.Now().UTC()
	d.EndedAt = &now
	d.Success = success
}

// flush atomically replaces the on-disk document.
func (d *Document) flush() error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sdk document: %w", err)
	}
	return state.WriteFileAtomic(d.path, append(data, '\n'), 0o644)
}
