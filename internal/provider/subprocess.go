package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"jeeves/internal/logging"
)

// killGrace is how long a cancelled provider gets between SIGTERM and
// SIGKILL.
const killGrace = 5 * time.Second

// maxEventLine bounds one stream line; agents emitting larger envelopes are
// misbehaving and get truncated at the scanner.
const maxEventLine = 4 << 20

// Subprocess drives an external agent CLI (e.g. a claude-code or codex
// binary) that reads the prompt on stdin and emits one JSON event per stdout
// line.
type Subprocess struct {
	command string
	args    []string
	logger  logging.Logger
}

// NewSubprocess creates a subprocess provider for the given executable.
func NewSubprocess(command string, args []string, logger logging.Logger) *Subprocess {
	return &Subprocess{
		command: command,
		args:    args,
		logger:  logging.OrNop(logger),
	}
}

// Run starts the agent process and pumps its stdout into an event channel.
func (p *Subprocess) Run(ctx context.Context, prompt string, opts Options) (<-chan Event, error) {
	args := append([]string{}, p.args...)
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	for name, srv := range opts.MCPServers {
		cfg, err := json.Marshal(srv)
		if err != nil {
			return nil, fmt.Errorf("encode mcp server %s: %w", name, err)
		}
		args = append(args, "--mcp-server", name+"="+string(cfg))
	}

	cmd := exec.Command(p.command, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group so cancellation can signal the agent's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start provider %s: %w", p.command, err)
	}
	p.logger.Info("provider started: %s (pid %d)", p.command, cmd.Process.Pid)

	go func() {
		defer stdin.Close()
		if _, err := stdin.Write([]byte(prompt)); err != nil {
			p.logger.Warn("write prompt to provider: %v", err)
		}
	}()

	events := make(chan Event, 64)
	done := make(chan struct{})

	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxEventLine)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			ev, err := decodeEvent(line)
			if err != nil {
				p.logger.Warn("undecodable provider event: %v", err)
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(events)
		var killTimer *time.Timer
		select {
		case <-ctx.Done():
			killTimer = p.terminate(cmd)
			<-done
		case <-done:
		}
		err := cmd.Wait()
		if killTimer != nil {
			killTimer.Stop()
		}
		if err != nil && ctx.Err() == nil {
			select {
			case events <- Event{
				Type:      EventError,
				Timestamp: time.Now(),
				Text:      fmt.Sprintf("provider exited: %v", err),
			}:
			default:
			}
		}
	}()

	return events, nil
}

// terminate sends SIGTERM to the provider's process group and escalates to
// SIGKILL after the grace window.
func (p *Subprocess) terminate(cmd *exec.Cmd) *time.Timer {
	if cmd.Process == nil {
		return nil
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	return time.AfterFunc(killGrace, func() {
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	})
}

// decodeEvent maps one stream line to an Event. Unknown types pass through
// with their raw payload preserved.
func decodeEvent(line []byte) (Event, error) {
	var envelope struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Message  string `json:"message"`
		IsError  bool   `json:"is_error"`
		ToolUses []struct {
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"tool_uses"`
		Tool struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Content string `json:"content"`
			IsError bool   `json:"is_error"`
		} `json:"tool"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return Event{}, err
	}
	raw := make(json.RawMessage, len(line))
	copy(raw, line)

	ev := Event{Timestamp: time.Now(), Raw: raw}
	text := envelope.Text
	if text == "" {
		text = envelope.Message
	}
	ev.Text = text

	switch EventType(envelope.Type) {
	case EventSystem, EventAssistant, EventToolUse, EventToolResult, EventResult, EventError:
		ev.Type = EventType(envelope.Type)
	default:
		return Event{}, fmt.Errorf("unknown event type %q", envelope.Type)
	}
	for _, tu := range envelope.ToolUses {
		ev.ToolUses = append(ev.ToolUses, ToolUse{ID: tu.ID, Name: tu.Name, Input: tu.Input})
	}
	if ev.Type == EventToolResult {
		ev.ToolResult = &ToolResult{
			ID:      envelope.Tool.ID,
			Name:    envelope.Tool.Name,
			Content: envelope.Tool.Content,
			IsError: envelope.Tool.IsError,
		}
	}
	if envelope.IsError && ev.Type != EventError {
		ev.Type = EventError
	}
	return ev, nil
}
