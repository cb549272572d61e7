package main

import (
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"jeeves/internal/bus"
	"jeeves/internal/config"
	"jeeves/internal/logging"
	"jeeves/internal/state"
	"jeeves/internal/tail"
	"jeeves/internal/viewer"
)

func newServeCmd() *cobra.Command {
	var (
		stateDir string
		addr     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the viewer stream for a state directory",
		Long: `Serve watches a state directory's logs and structured output and streams
them to WebSocket subscribers, alongside state snapshots, health and metrics.
It is read-only and may run next to an active run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.ViewerAddr
			}
			logger := logging.NewComponentLogger("serve")

			store, err := state.Open(stateDir, state.WithLogger(logger))
			if err != nil {
				return err
			}

			b := bus.New(bus.Limits{Backlog: cfg.LogBacklog})
			tailMgr := tail.NewManager(b, stateDir, serveWorkerDir(store), logger)
			srv := viewer.New(viewer.Options{Bus: b, Store: store, Logger: logger})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go tailMgr.Run(ctx)
			return srv.Run(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&stateDir, "state-dir", "", "issue state directory (required)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: config viewer_addr)")
	_ = cmd.MarkFlagRequired("state-dir")
	return cmd
}

// serveWorkerDir resolves worker state dirs against whatever run is current
// in run.json at lookup time.
func serveWorkerDir(store *state.Store) func(taskID string) string {
	return func(taskID string) string {
		runID := "unknown"
		if rec, err := store.GetRun(); err == nil && rec.RunID != "" {
			runID = rec.RunID
		}
		return filepath.Join(store.Dir(), ".runs", runID, "workers", taskID)
	}
}
