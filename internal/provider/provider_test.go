package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScriptedReplaysAndCaptures(t *testing.T) {
	p := ResultOnly("hello")
	events, err := p.Run(context.Background(), "the prompt", Options{WorkingDir: "/tmp"})
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	require.Equal(t, EventAssistant, got[0].Type)
	require.Equal(t, EventResult, got[1].Type)
	require.Equal(t, "the prompt", p.LastPrompt())
	require.Equal(t, "/tmp", p.LastOptions().WorkingDir)
	require.Equal(t, 1, p.Runs())
}

func TestScriptedHonorsCancellation(t *testing.T) {
	p := NewScripted(
		Event{Type: EventAssistant, Text: "a"},
		Event{Type: EventResult},
	)
	p.Delay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	events, err := p.Run(ctx, "x", Options{})
	require.NoError(t, err)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed after cancel")
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"type":"assistant","text":"hi","tool_uses":[{"id":"t1","name":"Write","input":{"file_path":"a.md","content":"x"}}]}`))
	require.NoError(t, err)
	require.Equal(t, EventAssistant, ev.Type)
	require.Equal(t, "hi", ev.Text)
	require.Len(t, ev.ToolUses, 1)
	require.Equal(t, "Write", ev.ToolUses[0].Name)
	require.Equal(t, "a.md", ev.ToolUses[0].Input["file_path"])

	ev, err = decodeEvent([]byte(`{"type":"tool_result","tool":{"id":"t1","name":"Write","content":"ok"}}`))
	require.NoError(t, err)
	require.Equal(t, EventToolResult, ev.Type)
	require.Equal(t, "ok", ev.ToolResult.Content)

	_, err = decodeEvent([]byte(`{"type":"mystery"}`))
	require.Error(t, err)

	_, err = decodeEvent([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeEventErrorFlag(t *testing.T) {
	ev, err := decodeEvent([]byte(`{"type":"result","is_error":true,"message":"boom"}`))
	require.NoError(t, err)
	require.Equal(t, EventError, ev.Type)
	require.Equal(t, "boom", ev.Text)
}
