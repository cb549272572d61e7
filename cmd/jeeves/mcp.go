package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"jeeves/internal/config"
	"jeeves/internal/logging"
	"jeeves/internal/mcp"
	"jeeves/internal/run"
)

func newMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect MCP server configuration",
	}
	cmd.AddCommand(newMCPCheckCmd())
	return cmd
}

// newMCPCheckCmd preflights the configured state server: spawn it, perform
// the initialize handshake, and print the tool catalog. Useful before a
// strict-profile run, which aborts if the server is unreachable.
func newMCPCheckCmd() *cobra.Command {
	var stateDir string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Handshake with the state MCP server and list its tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if cfg.MCPStatePath == "" {
				return &exitCodeError{
					code: run.ExitCode(run.ReasonMCPMissing),
					msg:  "mcp_state_path is not configured (set JEEVES_MCP_STATE_PATH)",
				}
			}
			logger := logging.NewComponentLogger("mcp")

			env := map[string]string{}
			if stateDir != "" {
				env["JEEVES_STATE_DIR"] = stateDir
			}
			client := mcp.NewClient(mcp.NewProcessManager(mcp.ProcessConfig{
				Command: cfg.MCPStatePath,
				Env:     env,
			}, logger), logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := client.Start(ctx); err != nil {
				return &exitCodeError{
					code: run.ExitCode(run.ReasonMCPMissing),
					msg:  fmt.Sprintf("state server unreachable: %v", err),
				}
			}
			defer client.Stop()

			tools, err := client.ListTools(ctx)
			if err != nil {
				return fmt.Errorf("list tools: %w", err)
			}
			fmt.Printf("%s state server %s: %d tools\n", green("ok"), cyan(cfg.MCPStatePath), len(tools))
			for _, tool := range tools {
				fmt.Printf("  %s  %s\n", bold(tool.Name), tool.Description)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stateDir, "state-dir", "", "issue state directory passed to the server")
	return cmd
}
