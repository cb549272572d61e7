// Package runner executes one workflow phase: it assembles the prompt, starts
// the agent provider, pumps the event stream into last-run.log and
// sdk-output.json, extracts the task plan, and enforces the inactivity and
// wallclock timers.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"jeeves/internal/logging"
	"jeeves/internal/mcp"
	"jeeves/internal/provider"
	"jeeves/internal/state"
	"jeeves/internal/workflow"
)

// ErrMCPMissing reports a strict-enforcement phase aborted because required
// MCP servers were absent. The driver maps it to completion reason
// mcp_missing.
var ErrMCPMissing = errors.New("required mcp servers missing")

// Log line tags. Part of the last-run.log contract read by the viewer.
const (
	tagRunner    = "RUNNER"
	tagSystem    = "SYSTEM"
	tagAssistant = "ASSISTANT"
	tagTool      = "TOOL"
	tagResult    = "RESULT"
	tagMCP       = "MCP"
)

const defaultInactivity = 5 * time.Minute

// Options configures a Runner.
type Options struct {
	Store    *state.Store
	Provider provider.AgentProvider
	// Registry resolves MCP profile names; defaults to the built-ins.
	Registry *mcp.Registry
	// Servers are the MCP endpoints available to this run.
	Servers map[string]provider.MCPServer
	Logger  logging.Logger
	RunID   string
	// WorkDir is the agent's working directory; defaults to the state dir.
	WorkDir string
	// Inactivity cancels a provider that stops emitting events.
	Inactivity time.Duration
	// Wallclock bounds the whole phase.
	Wallclock time.Duration
	// Env is extra environment passed to the provider.
	Env map[string]string
	// TemplateDir is searched for prompt template files named by a phase.
	TemplateDir string
}

// Runner drives phases for one run. It is single-threaded per phase: one
// provider, one event consumer.
type Runner struct {
	store       *state.Store
	provider    provider.AgentProvider
	registry    *mcp.Registry
	servers     map[string]provider.MCPServer
	logger      logging.Logger
	runID       string
	workDir     string
	inactivity  time.Duration
	wallclock   time.Duration
	env         map[string]string
	templateDir string
}

// New creates a runner.
func New(opts Options) *Runner {
	r := &Runner{
		store:       opts.Store,
		provider:    opts.Provider,
		registry:    opts.Registry,
		servers:     opts.Servers,
		logger:      logging.OrNop(opts.Logger),
		runID:       opts.RunID,
		workDir:     opts.WorkDir,
		inactivity:  opts.Inactivity,
		wallclock:   opts.Wallclock,
		env:         opts.Env,
		templateDir: opts.TemplateDir,
	}
	if r.registry == nil {
		r.registry = mcp.NewRegistry()
	}
	if r.workDir == "" && r.store != nil {
		r.workDir = r.store.Dir()
	}
	if r.inactivity <= 0 {
		r.inactivity = defaultInactivity
	}
	return r
}

// PhaseResult is the outcome of one phase execution.
type PhaseResult struct {
	Success    bool
	TimedOut   bool
	Degraded   bool
	ResultText string
}

// RunPhase executes one phase end to end. The returned error is reserved for
// infrastructure failures and the strict-MCP abort; a provider run that merely
// fails yields Success=false with a nil error.
func (r *Runner) RunPhase(ctx context.Context, phase *workflow.Phase) (PhaseResult, error) {
	log, err := openPhaseLog(filepath.Join(r.store.Dir(), state.RunLogFile))
	if err != nil {
		return PhaseResult{}, err
	}
	defer log.Close()

	started := time.Now().UTC()
	log.line(tagRunner, "phase %s starting (run %s)", phase.Name, r.runID)

	doc := newDocument(filepath.Join(r.store.Dir(), state.SDKFile), r.runID, phase.Name)

	degraded := false
	if phase.MCPProfile != "" {
		profile, err := r.registry.Lookup(phase.MCPProfile)
		if err != nil {
			return PhaseResult{}, fmt.Errorf("%w: %v", workflow.ErrInvalid, err)
		}
		if missing := profile.Missing(r.servers); len(missing) > 0 {
			if phase.Enforcement() == workflow.EnforceStrict {
				log.line(tagMCP, "FAIL_FAST profile %s", phase.MCPProfile)
				log.line(tagMCP, "Missing required MCP servers: %s", strings.Join(missing, ", "))
				doc.ErrorText = "missing required MCP servers: " + strings.Join(missing, ", ")
				doc.finish(false)
				r.flush(doc)
				r.progress(phase.Name, started, false)
				return PhaseResult{}, fmt.Errorf("%w: %s", ErrMCPMissing, strings.Join(missing, ", "))
			}
			degraded = true
			log.line(tagMCP, "DEGRADED_MODE proceeding without: %s", strings.Join(missing, ", "))
		}
	}

	template, err := ResolveTemplate(r.templateDir, phase)
	if err != nil {
		return PhaseResult{}, err
	}
	prompt, memoryOn, err := buildPrompt(r.store, phase.Name, template, r.workDir)
	if err != nil {
		return PhaseResult{}, err
	}
	if !memoryOn {
		log.line(tagRunner, "memory_context=disabled (mirror unavailable)")
	}
	r.flush(doc)

	runCtx := ctx
	if r.wallclock > 0 {
		var cancelWall context.CancelFunc
		runCtx, cancelWall = context.WithTimeout(ctx, r.wallclock)
		defer cancelWall()
	}
	runCtx, cancel := context.WithCancel(runCtx)
	defer cancel()

	events, err := r.provider.Run(runCtx, prompt, provider.Options{
		WorkingDir:     r.workDir,
		PermissionMode: phase.PermissionMode,
		MCPServers:     r.servers,
		Env:            r.env,
	})
	if err != nil {
		doc.ErrorText = err.Error()
		doc.finish(false)
		r.flush(doc)
		r.progress(phase.Name, started, false)
		return PhaseResult{}, fmt.Errorf("start provider: %w", err)
	}

	idle := time.NewTimer(r.inactivity)
	defer idle.Stop()
	planPath := filepath.Join(r.store.Dir(), state.TaskPlanFile)

	var sawResult, sawError, timedOut bool
loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.inactivity)
			r.pump(log, doc, ev, planPath)
			switch ev.Type {
			case provider.EventResult:
				sawResult = true
			case provider.EventError:
				sawError = true
			}
		case <-idle.C:
			timedOut = true
			log.line(tagRunner, "inactivity timeout after %s, cancelling provider", r.inactivity)
			cancel()
			for range events {
			}
			break loop
		case <-runCtx.Done():
			timedOut = true
			log.line(tagRunner, "phase deadline exceeded, cancelling provider")
			cancel()
			for range events {
			}
			break loop
		}
	}

	success := sawResult && !sawError && !timedOut
	doc.finish(success)
	r.flush(doc)
	log.line(tagRunner, "phase %s finished success=%t", phase.Name, success)
	r.progress(phase.Name, started, success)
	return PhaseResult{
		Success:    success,
		TimedOut:   timedOut,
		Degraded:   degraded,
		ResultText: doc.ResultText,
	}, nil
}

// pump persists one event: the human-readable log line, the document
// mutation with atomic flush, and task-plan extraction.
func (r *Runner) pump(log *phaseLog, doc *Document, ev provider.Event, planPath string) {
	switch ev.Type {
	case provider.EventSystem:
		log.text(tagSystem, ev.Text)
	case provider.EventAssistant:
		log.text(tagAssistant, ev.Text)
	case provider.EventResult:
		log.text(tagResult, ev.Text)
	case provider.EventError:
		log.line(tagRunner, "provider error: %s", ev.Text)
	}
	for _, tu := range ev.ToolUses {
		log.line(tagTool, "%s %s", tu.Name, summarizeInput(tu.Input))
	}
	if tr := ev.ToolResult; tr != nil {
		status := "ok"
		if tr.IsError {
			status = "error"
		}
		log.line(tagResult, "%s %s %s", tr.Name, status, firstLine(tr.Content))
	}
	doc.absorb(ev)
	r.flush(doc)
	r.extractPlan(ev, planPath, log)
}

// extractPlan captures a Write tool use targeting task-plan.md and persists
// its content verbatim to the canonical state dir. The last such write wins.
func (r *Runner) extractPlan(ev provider.Event, planPath string, log *phaseLog) {
	for _, tu := range ev.ToolUses {
		if tu.Name != "Write" {
			continue
		}
		target, _ := tu.Input["file_path"].(string)
		if !strings.HasSuffix(target, state.TaskPlanFile) {
			continue
		}
		content, ok := tu.Input["content"].(string)
		if !ok {
			continue
		}
		if err := state.WriteFileAtomic(planPath, []byte(content), 0o644); err != nil {
			r.logger.Warn("task plan write failed: %v", err)
			continue
		}
		log.line(tagRunner, "captured task plan (%d bytes)", len(content))
	}
}

func (r *Runner) flush(doc *Document) {
	if err := doc.flush(); err != nil {
		r.logger.Warn("sdk document flush failed: %v", err)
	}
}

// progress appends the terminating block for the phase.
func (r *Runner) progress(phase string, started time.Time, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	block := fmt.Sprintf("Phase: %s\nStarted: %s\nEnded: %s\nOutcome: %s\n",
		phase,
		started.Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		outcome)
	if err := r.store.AppendProgress(block); err != nil {
		r.logger.Warn("progress append failed: %v", err)
	}
}

// ResolveTemplate loads the phase prompt. A prompt naming a readable file
// under dir (or dir/prompts) is read from disk; anything else is treated as
// literal template text.
func ResolveTemplate(dir string, phase *workflow.Phase) (string, error) {
	if phase.Prompt == "" {
		return "", nil
	}
	if dir != "" {
		for _, candidate := range []string{
			filepath.Join(dir, "prompts", phase.Prompt),
			filepath.Join(dir, phase.Prompt),
		} {
			data, err := os.ReadFile(candidate)
			if err == nil {
				return string(data), nil
			}
			if !os.IsNotExist(err) {
				return "", fmt.Errorf("read prompt %s: %w", candidate, err)
			}
		}
	}
	return phase.Prompt, nil
}

func summarizeInput(input map[string]any) string {
	if len(input) == 0 {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// phaseLog appends tagged human-readable lines to last-run.log.
type phaseLog struct {
	f *os.File
}

func openPhaseLog(path string) (*phaseLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &phaseLog{f: f}, nil
}

func (l *phaseLog) line(tag, format string, args ...any) {
	fmt.Fprintf(l.f, "[%s] %s\n", tag, fmt.Sprintf(format, args...))
}

// text writes one tagged line per line of text. Empty text still produces a
// bare tag line so the event remains visible.
func (l *phaseLog) text(tag, text string) {
	if text == "" {
		fmt.Fprintf(l.f, "[%s]\n", tag)
		return
	}
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintf(l.f, "[%s] %s\n", tag, line)
	}
}

func (l *phaseLog) Close() {
	_ = l.f.Close()
}
