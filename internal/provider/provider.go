// Package provider defines the narrow port through which the engine drives
// an LLM agent. The engine never interprets agent output semantically; it
// consumes the event stream, persists it, and routes structured tool calls.
package provider

import (
	"context"
	"encoding/json"
	"time"
)

// EventType enumerates provider stream events.
type EventType string

const (
	EventSystem     EventType = "system"
	EventAssistant  EventType = "assistant"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
	EventError      EventType = "error"
)

// ToolUse is one structured tool invocation inside an assistant envelope or
// a standalone tool_use event.
type ToolUse struct {
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult is the provider-reported outcome of a tool invocation.
type ToolResult struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

// Event is one element of the provider's asynchronous event sequence.
type Event struct {
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Text       string          `json:"text,omitempty"`
	ToolUses   []ToolUse       `json:"toolUses,omitempty"`
	ToolResult *ToolResult     `json:"toolResult,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// MCPServer describes one tool-protocol server endpoint handed to the agent.
type MCPServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Options carries the per-phase run parameters.
type Options struct {
	// WorkingDir is the git worktree the agent operates in.
	WorkingDir string
	// PermissionMode constrains the agent (e.g. "plan-only", "read-only").
	PermissionMode string
	// MCPServers maps server name to endpoint configuration.
	MCPServers map[string]MCPServer
	// Env is extra environment for the provider process.
	Env map[string]string
}

// AgentProvider starts one agent run and yields its event stream. The
// channel is closed when the provider terminates; cancelling ctx must stop
// the provider and close the channel. Exactly one consumer reads the stream.
type AgentProvider interface {
	Run(ctx context.Context, prompt string, opts Options) (<-chan Event, error)
}
