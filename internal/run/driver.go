// Package run drives one complete run: the workflow interpreter picks phases,
// the phase runner executes them, the sandbox manager fans parallel phases
// out across workers, and the run record tracks the attempt end to end.
package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"jeeves/internal/bus"
	"jeeves/internal/config"
	"jeeves/internal/logging"
	"jeeves/internal/provider"
	"jeeves/internal/runner"
	"jeeves/internal/sandbox"
	"jeeves/internal/secrets"
	"jeeves/internal/state"
	"jeeves/internal/tail"
	"jeeves/internal/workflow"
)

// Completion reasons written to the run record.
const (
	ReasonComplete      = "workflow_complete"
	ReasonMaxIterations = "max_iterations"
	ReasonStalled       = "stalled"
	ReasonInvalid       = "workflow_invalid"
	ReasonMCPMissing    = "mcp_missing"
	ReasonError         = "error"
)

// ExitCode maps a completion reason to the process exit code.
func ExitCode(reason string) int {
	switch reason {
	case ReasonComplete:
		return 0
	case ReasonMaxIterations:
		return 2
	case ReasonStalled:
		return 3
	case ReasonInvalid:
		return 4
	case ReasonMCPMissing:
		return 5
	default:
		return 1
	}
}

// NewRunID mints a run identifier: a coarse timestamp plus a random suffix.
// The suffix doubles as the worker branch discriminator.
func NewRunID() string {
	return fmt.Sprintf("run-%d.%s", time.Now().Unix(), uuid.NewString()[:8])
}

// Options configures a Driver.
type Options struct {
	Config   config.Config
	Store    *state.Store
	Workflow *workflow.Workflow
	Provider provider.AgentProvider
	// Servers are the MCP endpoints available to every phase.
	Servers map[string]provider.MCPServer
	// Sandboxes is required when the workflow declares parallel phases.
	Sandboxes *sandbox.Manager
	// Bus receives state snapshots; nil disables publishing.
	Bus *bus.Bus
	// Tail, when set, is reconciled against the active worker set.
	Tail    *tail.Manager
	Metrics *Metrics
	Logger  logging.Logger
	// RunID defaults to a fresh NewRunID.
	RunID string
}

// Driver executes one run to completion.
type Driver struct {
	cfg     config.Config
	store   *state.Store
	wf      *workflow.Workflow
	prov    provider.AgentProvider
	servers map[string]provider.MCPServer
	sbx     *sandbox.Manager
	bus     *bus.Bus
	tail    *tail.Manager
	metrics *Metrics
	logger  logging.Logger
	tracer  trace.Tracer
	runID   string

	mu  sync.Mutex
	rec *state.RunRecord
}

// New creates a driver.
func New(opts Options) *Driver {
	d := &Driver{
		cfg:     opts.Config,
		store:   opts.Store,
		wf:      opts.Workflow,
		prov:    opts.Provider,
		servers: opts.Servers,
		sbx:     opts.Sandboxes,
		bus:     opts.Bus,
		tail:    opts.Tail,
		metrics: opts.Metrics,
		logger:  logging.OrNop(opts.Logger),
		tracer:  otel.Tracer("jeeves/run"),
		runID:   opts.RunID,
	}
	if d.runID == "" {
		d.runID = NewRunID()
	}
	if d.metrics == nil {
		d.metrics = MustNewMetrics(nil)
	}
	return d
}

// RunID returns the driver's run identifier.
func (d *Driver) RunID() string { return d.runID }

// Execute runs the workflow until a terminal phase, the iteration budget, a
// stall, or a fatal error. The returned reason is one of the completion
// reason constants; err carries detail for non-clean completions.
func (d *Driver) Execute(ctx context.Context) (string, error) {
	if err := d.store.Lock(); err != nil {
		return ReasonError, err
	}
	defer d.store.Unlock()

	issue, err := d.store.GetIssue()
	if err != nil {
		return ReasonError, fmt.Errorf("load issue: %w", err)
	}

	d.rec = &state.RunRecord{
		RunID:         d.runID,
		Running:       true,
		PID:           os.Getpid(),
		StartedAt:     time.Now().UTC(),
		MaxIterations: d.cfg.MaxIterations,
		Issue:         fmt.Sprintf("%s#%d", issue.Repo, issue.Number),
	}
	d.saveRecord(issue)

	interp := workflow.NewInterpreter(d.wf, d.cfg.StallLimit, d.logger)
	reason, runErr := d.loop(ctx, interp)
	d.finish(reason, runErr)
	return reason, runErr
}

func (d *Driver) loop(ctx context.Context, interp *workflow.Interpreter) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return ReasonError, err
		}
		issue, err := d.store.GetIssue()
		if err != nil {
			return ReasonError, err
		}

		decision, err := interp.Next(issue.Phase, issue.Status)
		if err != nil {
			switch {
			case errors.Is(err, workflow.ErrStalled):
				return ReasonStalled, err
			case errors.Is(err, workflow.ErrInvalid):
				return ReasonInvalid, err
			default:
				return ReasonError, err
			}
		}
		if decision.Terminal {
			d.logger.Info("workflow %s complete at phase %s", d.wf.Name, issue.Phase)
			return ReasonComplete, nil
		}

		phase := decision.Phase
		if phase.Type == workflow.PhaseTerminal {
			// Entering a terminal phase consumes no iteration and runs no
			// provider; the next step reports completion.
			issue.Phase = phase.Name
			if err := d.store.PutIssue(issue); err != nil {
				return ReasonError, err
			}
			d.saveRecord(issue)
			continue
		}

		d.mu.Lock()
		iteration := d.rec.Iteration + 1
		d.mu.Unlock()
		if iteration > d.cfg.MaxIterations {
			return ReasonMaxIterations,
				fmt.Errorf("iteration budget exhausted after %d iterations", d.cfg.MaxIterations)
		}
		d.mu.Lock()
		d.rec.Iteration = iteration
		d.mu.Unlock()
		d.metrics.Iterations.Inc()

		issue.Phase = phase.Name
		if err := d.store.PutIssue(issue); err != nil {
			return ReasonError, err
		}
		d.saveRecord(issue)

		if err := d.executePhase(ctx, phase, iteration); err != nil {
			if errors.Is(err, runner.ErrMCPMissing) {
				return ReasonMCPMissing, err
			}
			if errors.Is(err, workflow.ErrInvalid) {
				return ReasonInvalid, err
			}
			return ReasonError, err
		}
	}
}

func (d *Driver) executePhase(ctx context.Context, phase *workflow.Phase, iteration int) error {
	phaseCtx, span := d.tracer.Start(ctx, "phase."+phase.Name, trace.WithAttributes(
		attribute.String("workflow", d.wf.Name),
		attribute.String("phase", phase.Name),
		attribute.Int("iteration", iteration),
	))
	defer span.End()

	started := time.Now()
	var success bool
	var err error
	if phase.Parallel {
		success, err = d.fanOut(phaseCtx, phase)
	} else {
		success, err = d.runCanonical(phaseCtx, phase)
	}

	outcome := "success"
	if !success {
		outcome = "failure"
		d.metrics.PhaseFailures.WithLabelValues(phase.Name).Inc()
	}
	d.metrics.PhaseDuration.WithLabelValues(phase.Name, outcome).Observe(time.Since(started).Seconds())
	span.SetAttributes(attribute.Bool("success", success))
	return err
}

func (d *Driver) runCanonical(ctx context.Context, phase *workflow.Phase) (bool, error) {
	r := runner.New(runner.Options{
		Store:       d.store,
		Provider:    d.prov,
		Servers:     d.servers,
		Logger:      d.logger,
		RunID:       d.runID,
		Inactivity:  d.cfg.InactivityTimeout,
		Wallclock:   d.cfg.PhaseTimeout,
		TemplateDir: d.cfg.WorkflowDir,
	})
	res, err := r.RunPhase(ctx, phase)
	if err != nil {
		return false, err
	}
	return res.Success, nil
}

// fanOut runs a parallel phase across one worker sandbox per ready task. The
// phase succeeds only if every worker produced its completion marker.
func (d *Driver) fanOut(ctx context.Context, phase *workflow.Phase) (bool, error) {
	if d.sbx == nil {
		return false, fmt.Errorf("%w: phase %q is parallel but no sandbox manager is configured",
			workflow.ErrInvalid, phase.Name)
	}
	list, err := d.store.GetTasks()
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			d.logger.Warn("parallel phase %s with no task list, skipping", phase.Name)
			return true, nil
		}
		return false, err
	}
	ready := list.Ready()
	if len(ready) == 0 {
		d.logger.Info("parallel phase %s: no ready tasks", phase.Name)
		return true, nil
	}

	workerPhase := state.WorkerImplement
	if phase.Name == string(state.WorkerSpecCheck) {
		workerPhase = state.WorkerSpecCheck
	}

	if d.tail != nil {
		d.tail.Reconcile(ready)
		defer d.tail.Reconcile(nil)
	}
	d.metrics.ActiveWorkers.Add(float64(len(ready)))
	defer d.metrics.ActiveWorkers.Sub(float64(len(ready)))

	err = d.sbx.RunWave(ctx, ready, func(ctx context.Context, taskID string) error {
		return d.runWorker(ctx, phase, workerPhase, taskID)
	})
	if err != nil {
		return false, err
	}

	allDone := true
	for _, taskID := range ready {
		paths, perr := d.sbx.Paths(d.runID, taskID)
		if perr != nil || !sandbox.MarkerExists(paths.StateDir, workerPhase) {
			allDone = false
			break
		}
	}
	if !allDone {
		if _, uerr := d.store.UpdateIssueStatus(map[string]any{"taskFailed": true}); uerr != nil {
			return false, uerr
		}
		return false, nil
	}
	return true, nil
}

func (d *Driver) runWorker(ctx context.Context, phase *workflow.Phase, workerPhase state.WorkerPhase, taskID string) error {
	var w *sandbox.Worker
	var err error
	if workerPhase == state.WorkerSpecCheck {
		w, err = d.sbx.Reuse(ctx, d.runID, taskID)
	} else {
		w, err = d.sbx.Create(ctx, d.runID, taskID, "")
	}
	if err != nil {
		if errors.Is(err, sandbox.ErrWorktreeAttach) {
			return err
		}
		d.logger.Error("worker %s sandbox preparation failed: %v", taskID, err)
		d.recordWorker(taskID, workerPhase, state.WorkerFailed)
		return nil
	}
	d.recordWorker(taskID, workerPhase, state.WorkerRunning)

	keeper := secrets.NewKeeper(d.store.Dir())
	if err := keeper.Materialize(w.Paths.WorktreeDir); err != nil {
		d.logger.Warn("worker %s: token materialization failed: %v", taskID, err)
	}

	r := runner.New(runner.Options{
		Store:       w.Store,
		Provider:    d.prov,
		Servers:     d.servers,
		Logger:      d.logger,
		RunID:       d.runID,
		WorkDir:     w.Paths.WorktreeDir,
		Inactivity:  d.cfg.InactivityTimeout,
		Wallclock:   d.cfg.PhaseTimeout,
		TemplateDir: d.cfg.WorkflowDir,
	})
	res, err := r.RunPhase(ctx, phase)
	if err != nil {
		d.logger.Error("worker %s phase failed: %v", taskID, err)
		d.recordWorker(taskID, workerPhase, state.WorkerFailed)
		return nil
	}

	switch {
	case res.Success:
		// The marker only appears after the final event is persisted;
		// RunPhase has flushed the document and progress by now.
		if err := sandbox.WriteMarker(w.Paths.StateDir, workerPhase); err != nil {
			d.recordWorker(taskID, workerPhase, state.WorkerFailed)
			return err
		}
		d.recordWorker(taskID, workerPhase, state.WorkerPassed)
	case res.TimedOut:
		d.recordWorker(taskID, workerPhase, state.WorkerTimedOut)
	default:
		d.recordWorker(taskID, workerPhase, state.WorkerFailed)
	}

	if workerPhase == state.WorkerSpecCheck {
		status := state.TaskFailed
		if res.Success {
			status = state.TaskPassed
		}
		d.mu.Lock()
		serr := d.store.SetTaskStatus(taskID, status)
		d.mu.Unlock()
		if serr != nil {
			d.logger.Warn("task %s status update failed: %v", taskID, serr)
		}
		if cerr := d.sbx.Cleanup(ctx, w, res.Success); cerr != nil {
			d.logger.Warn("worker %s cleanup failed: %v", taskID, cerr)
		}
	}
	return nil
}

// recordWorker upserts one worker's entry in the run record.
func (d *Driver) recordWorker(taskID string, phase state.WorkerPhase, status state.WorkerState) {
	d.mu.Lock()
	found := false
	for i := range d.rec.Workers {
		if d.rec.Workers[i].TaskID == taskID && d.rec.Workers[i].Phase == phase {
			d.rec.Workers[i].Status = status
			found = true
			break
		}
	}
	if !found {
		d.rec.Workers = append(d.rec.Workers, state.WorkerStatus{TaskID: taskID, Phase: phase, Status: status})
	}
	d.mu.Unlock()
	d.saveRecord(nil)
}

// saveRecord persists the run record and publishes a state snapshot. issue
// may be nil to reuse the last stored copy.
func (d *Driver) saveRecord(issue *state.Issue) {
	d.mu.Lock()
	rec := *d.rec
	d.mu.Unlock()
	if err := d.store.PutRun(&rec); err != nil {
		d.logger.Warn("run record write failed: %v", err)
	}
	if d.bus == nil {
		return
	}
	if issue == nil {
		issue, _ = d.store.GetIssue()
	}
	d.bus.PublishState(map[string]any{"issue": issue, "run": &rec})
}

func (d *Driver) finish(reason string, runErr error) {
	now := time.Now().UTC()
	d.mu.Lock()
	d.rec.Running = false
	d.rec.EndedAt = &now
	d.rec.CompletionReason = reason
	if runErr != nil {
		d.rec.LastError = secrets.SanitizeError(runErr.Error())
	}
	d.mu.Unlock()
	d.saveRecord(nil)
	d.metrics.RunsCompleted.WithLabelValues(reason).Inc()
	d.logger.Info("run %s finished: %s", d.runID, reason)
}
