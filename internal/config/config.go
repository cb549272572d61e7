// Package config loads engine configuration from flags, environment and an
// optional config file via viper. Environment variables use the JEEVES
// prefix, e.g. JEEVES_DATA_DIR, JEEVES_WORKFLOW_DIR, JEEVES_VIEWER_ADDR.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable the engine reads at startup.
type Config struct {
	// DataDir is the root under which per-issue state directories,
	// worktrees and the relational mirror live.
	DataDir string `mapstructure:"data_dir"`

	// WorkflowDir holds workflow YAML definitions and prompt templates.
	WorkflowDir string `mapstructure:"workflow_dir"`

	// ViewerAddr is the listen address for the viewer stream server.
	ViewerAddr string `mapstructure:"viewer_addr"`

	// MCPStatePath is the entrypoint of the state MCP server; also set by
	// the JEEVES_MCP_STATE_PATH environment variable.
	MCPStatePath string `mapstructure:"mcp_state_path"`

	// MaxIterations bounds phase-entry/exit cycles per run.
	MaxIterations int `mapstructure:"max_iterations"`

	// FanOutWidth bounds concurrent worker sandboxes during parallel phases.
	FanOutWidth int `mapstructure:"fan_out_width"`

	// InactivityTimeout cancels a provider that stops emitting events.
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`

	// PhaseTimeout bounds one phase's wallclock.
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`

	// StallLimit is the number of consecutive no-progress self-loops
	// tolerated before the run aborts as stalled.
	StallLimit int `mapstructure:"stall_limit"`

	// LogBacklog is the number of log lines replayed to a new subscriber.
	LogBacklog int `mapstructure:"log_backlog"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:           filepath.Join(home, ".jeeves"),
		WorkflowDir:       filepath.Join(home, ".jeeves", "workflows"),
		ViewerAddr:        ":8420",
		MaxIterations:     40,
		FanOutWidth:       4,
		InactivityTimeout: 5 * time.Minute,
		PhaseTimeout:      30 * time.Minute,
		StallLimit:        3,
		LogBacklog:        4000,
	}
}

// Load builds a Config from defaults, an optional config file, and the
// environment. file may be empty.
func Load(file string) (Config, error) {
	v := viper.New()
	def := Defaults()

	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("workflow_dir", def.WorkflowDir)
	v.SetDefault("viewer_addr", def.ViewerAddr)
	v.SetDefault("mcp_state_path", "")
	v.SetDefault("max_iterations", def.MaxIterations)
	v.SetDefault("fan_out_width", def.FanOutWidth)
	v.SetDefault("inactivity_timeout", def.InactivityTimeout)
	v.SetDefault("phase_timeout", def.PhaseTimeout)
	v.SetDefault("stall_limit", def.StallLimit)
	v.SetDefault("log_backlog", def.LogBacklog)

	v.SetEnvPrefix("JEEVES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.MCPStatePath == "" {
		cfg.MCPStatePath = os.Getenv("JEEVES_MCP_STATE_PATH")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	if c.FanOutWidth < 1 {
		return fmt.Errorf("fan_out_width must be >= 1, got %d", c.FanOutWidth)
	}
	if c.StallLimit < 1 {
		return fmt.Errorf("stall_limit must be >= 1, got %d", c.StallLimit)
	}
	return nil
}

// MirrorPath returns the location of the embedded relational mirror.
func (c Config) MirrorPath() string {
	return filepath.Join(c.DataDir, "jeeves.db")
}

// WorktreeRoot returns the root directory for derived git worktrees.
func (c Config) WorktreeRoot() string {
	return filepath.Join(c.DataDir, "worktrees")
}
