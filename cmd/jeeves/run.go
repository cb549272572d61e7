package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"jeeves/internal/bus"
	"jeeves/internal/config"
	"jeeves/internal/logging"
	"jeeves/internal/provider"
	"jeeves/internal/run"
	"jeeves/internal/sandbox"
	"jeeves/internal/state"
	"jeeves/internal/tail"
	"jeeves/internal/viewer"
	"jeeves/internal/workflow"
)

func newRunCmd() *cobra.Command {
	var (
		stateDir     string
		workflowName string
		repoDir      string
		providerCmd  string
		providerArgs []string
		maxIter      int
		serveAddr    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the issue workflow to completion",
		Long: `Run drives the issue in --state-dir through its workflow: the interpreter
picks phases, each phase invokes the agent provider, and parallel phases fan
out across worker sandboxes. The process exit code reflects the completion
reason.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if maxIter > 0 {
				cfg.MaxIterations = maxIter
			}
			return runWorkflow(cmd.Context(), cfg, stateDir, workflowName, repoDir, providerCmd, providerArgs, serveAddr)
		},
	}

	cmd.Flags().StringVar(&stateDir, "state-dir", "", "issue state directory (required)")
	cmd.Flags().StringVar(&workflowName, "workflow", "", "workflow name (default: the issue record's workflow)")
	cmd.Flags().StringVar(&repoDir, "repo-dir", ".", "canonical repository checkout")
	cmd.Flags().StringVar(&providerCmd, "provider-cmd", "claude", "agent provider executable")
	cmd.Flags().StringSliceVar(&providerArgs, "provider-arg", nil, "extra provider arguments (repeatable)")
	cmd.Flags().IntVar(&maxIter, "max-iterations", 0, "override the iteration budget")
	cmd.Flags().StringVar(&serveAddr, "serve-addr", "", "also serve the viewer stream on this address")
	_ = cmd.MarkFlagRequired("state-dir")
	return cmd
}

func runWorkflow(parent context.Context, cfg config.Config, stateDir, workflowName, repoDir, providerCmd string, providerArgs []string, serveAddr string) error {
	logger := logging.NewComponentLogger("run")

	storeOpts := []state.Option{state.WithLogger(logger)}
	mirror, err := state.OpenMirror(cfg.MirrorPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, yellow("relational mirror unavailable, memory injection disabled: "+err.Error()))
	} else {
		defer mirror.Close()
		storeOpts = append(storeOpts, state.WithMirror(mirror))
	}

	store, err := state.Open(stateDir, storeOpts...)
	if err != nil {
		return err
	}
	if mirror != nil {
		if err := mirror.Rebuild(store); err != nil {
			logger.Warn("mirror rebuild failed: %v", err)
		}
	}

	issue, err := store.GetIssue()
	if err != nil {
		return fmt.Errorf("state dir has no issue record: %w", err)
	}
	if workflowName == "" {
		workflowName = issue.Workflow
	}

	loader, err := workflow.NewLoader(cfg.WorkflowDir)
	if err != nil {
		return err
	}
	wf, err := loader.Load(workflowName)
	if err != nil {
		if errors.Is(err, workflow.ErrInvalid) {
			return &exitCodeError{code: run.ExitCode(run.ReasonInvalid), msg: err.Error()}
		}
		return err
	}

	servers := map[string]provider.MCPServer{}
	if cfg.MCPStatePath != "" {
		servers["state"] = provider.MCPServer{
			Command: cfg.MCPStatePath,
			Env:     map[string]string{"JEEVES_STATE_DIR": stateDir},
		}
	}

	owner, repo := splitRepo(issue.Repo)
	runID := run.NewRunID()
	b := bus.New(bus.Limits{Backlog: cfg.LogBacklog})
	tailMgr := tail.NewManager(b, stateDir, workerDirFunc(stateDir, runID), logger)
	reg := prometheus.NewRegistry()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go tailMgr.Run(ctx)
	if serveAddr != "" {
		srv := viewer.New(viewer.Options{Bus: b, Store: store, Logger: logger, Gatherer: reg})
		go func() {
			if err := srv.Run(ctx, serveAddr); err != nil {
				logger.Warn("viewer server stopped: %v", err)
			}
		}()
	}

	driver := run.New(run.Options{
		Config:   cfg,
		Store:    store,
		Workflow: wf,
		Provider: provider.NewSubprocess(providerCmd, providerArgs, logger),
		Servers:  servers,
		Sandboxes: sandbox.New(sandbox.Options{
			Store:           store,
			RepoDir:         repoDir,
			DataDir:         cfg.DataDir,
			Owner:           owner,
			Repo:            repo,
			IssueNumber:     issue.Number,
			CanonicalBranch: issue.Branch,
			Width:           cfg.FanOutWidth,
			Logger:          logger,
		}),
		Bus:     b,
		Tail:    tailMgr,
		Metrics: run.MustNewMetrics(reg),
		Logger:  logger,
		RunID:   runID,
	})

	fmt.Printf("%s %s on %s (workflow %s)\n", bold("run"), cyan(runID), issue.Repo, wf.Name)
	reason, runErr := driver.Execute(ctx)
	if errors.Is(runErr, state.ErrLocked) {
		return &exitCodeError{code: 1, msg: runErr.Error()}
	}

	code := run.ExitCode(reason)
	switch code {
	case 0:
		fmt.Println(green("workflow complete"))
		return nil
	default:
		msg := reason
		if runErr != nil {
			msg = fmt.Sprintf("%s: %v", reason, runErr)
		}
		return &exitCodeError{code: code, msg: msg}
	}
}

// splitRepo breaks an owner/repo coordinate apart.
func splitRepo(coord string) (string, string) {
	if i := strings.IndexByte(coord, '/'); i >= 0 {
		return coord[:i], coord[i+1:]
	}
	return "", coord
}

// workerDirFunc maps a task ID to its worker state dir for the tailer
// manager.
func workerDirFunc(stateDir, runID string) func(taskID string) string {
	return func(taskID string) string {
		return filepath.Join(stateDir, ".runs", runID, "workers", taskID)
	}
}
