package mcp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"jeeves/internal/logging"
)

// ProcessManager owns one MCP server child process speaking JSON-RPC over
// stdio. The engine hosts the state server this way; providers receive its
// endpoint configuration and connect themselves.
type ProcessManager struct {
	command string
	args    []string
	env     []string
	logger  logging.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	running  bool
	waitDone chan error
}

// ProcessConfig configures the server process.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// NewProcessManager creates a process manager.
func NewProcessManager(cfg ProcessConfig, logger logging.Logger) *ProcessManager {
	pm := &ProcessManager{
		command: cfg.Command,
		args:    cfg.Args,
		logger:  logging.OrNop(logger),
	}
	for k, v := range cfg.Env {
		pm.env = append(pm.env, k+"="+v)
	}
	return pm
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

// Start spawns the server process.
func (pm *ProcessManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.running {
		return fmt.Errorf("process already running")
	}

	resolved, err := resolveExecutable(pm.command)
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, resolved, pm.args...)
	if len(pm.env) > 0 {
		cmd.Env = append(cmd.Environ(), pm.env...)
	}

	pm.stdin, err = cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	pm.stdout, err = cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", pm.command, err)
	}
	pm.cmd = cmd
	pm.running = true
	pm.waitDone = make(chan error, 1)
	pm.logger.Info("mcp server started: %s (pid %d)", pm.command, cmd.Process.Pid)

	go pm.drainStderr(stderr)
	go func() { pm.waitDone <- cmd.Wait() }()
	return nil
}

func (pm *ProcessManager) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		pm.logger.Debug("mcp stderr: %s", scanner.Text())
	}
}

// Stdin returns the server's stdin writer.
func (pm *ProcessManager) Stdin() io.Writer {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stdin
}

// Stdout returns the server's stdout reader.
func (pm *ProcessManager) Stdout() io.Reader {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stdout
}

// Running reports whether the process is live.
func (pm *ProcessManager) Running() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.running
}

// Stop closes stdin for a graceful exit, then kills after the timeout.
func (pm *ProcessManager) Stop(timeout time.Duration) error {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return nil
	}
	pm.running = false
	stdin := pm.stdin
	cmd := pm.cmd
	waitDone := pm.waitDone
	pm.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	select {
	case err := <-waitDone:
		pm.logger.Info("mcp server exited: %v", err)
		return nil
	case <-time.After(timeout):
		pm.logger.Warn("mcp server did not exit in %v, killing", timeout)
		if cmd != nil && cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				return fmt.Errorf("kill mcp server: %w", err)
			}
		}
		return nil
	}
}
