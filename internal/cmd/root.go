// Package cmd implements the swarmjit command line.
package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nmxmxh/swarmjit/internal/config"
	"github.com/nmxmxh/swarmjit/internal/core"
	"github.com/nmxmxh/swarmjit/internal/logging"
	"github.com/nmxmxh/swarmjit/internal/node"
)

var (
	cfgFile string
	v       = config.New()
	loaded  config.Config
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "swarmjit",
	Short: "Compile, distribute and run sandboxed WebAssembly across a peer swarm",
	Long: `swarmjit compiles WebAssembly text into content-addressed artifacts,
shares them with peers by hash and runs them in a capability-restricted
sandbox with bounded memory and time.

Configuration is read from swarmjit.yaml (current directory or
$HOME/.config/swarmjit), SWARMJIT_* environment variables and flags.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: search for swarmjit.yaml)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "console", "Log format (console, json)")
	pf.String("store", "", "SQLite artifact store path (default: in memory)")
	pf.Uint64("memory-budget", 256<<20, "Total linear memory budget in bytes")
	pf.StringSlice("bootstrap", nil, "Bootstrap peer multiaddrs (/ip4/.../p2p/<id>)")
	pf.StringSlice("relay", nil, "Relay peer multiaddrs")
	pf.String("key-mode", core.KeyModeEphemeral, "Key provisioning mode (ephemeral, persist, provided)")
	pf.String("key-path", "", "Private key path for persist/provided modes")
	pf.String("isolation", config.IsolationProcess, "Guest isolation (process, inprocess)")

	for key, flag := range map[string]string{
		"log.level":           "log-level",
		"log.format":          "log-format",
		"store.path":          "store",
		"memory.budget_bytes": "memory-budget",
		"node.bootstrap":      "bootstrap",
		"node.relays":         "relay",
		"node.key_mode":       "key-mode",
		"node.key_path":       "key-path",
		"exec.isolation":      "isolation",
	} {
		_ = v.BindPFlag(key, pf.Lookup(flag))
	}
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func setup(cmd *cobra.Command, _ []string) error {
	if err := config.ReadFile(v, cfgFile); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	l, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return core.ConfigError(err.Error())
	}
	loaded, logger = cfg, l
	return nil
}

// assemble builds a node runtime from the loaded configuration.
func assemble(ctx context.Context, online bool) (*node.Runtime, error) {
	return node.Assemble(ctx, loaded, logger, online)
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, core.ErrCompile):
		return 2
	case errors.Is(err, core.ErrNotFound):
		return 3
	case errors.Is(err, core.ErrMemory):
		return 4
	case errors.Is(err, core.ErrTimeout):
		return 5
	case errors.Is(err, core.ErrFailure):
		return 6
	case errors.Is(err, core.ErrConfig):
		return 78
	default:
		return 1
	}
}
