// Braidd is the centralized learning daemon.
//
// It ingests strands over HTTP (and optionally MCP on stdio), clusters and
// scores them, promotes resonant clusters into braids through the lesson
// synthesizer, and serves subscribed consumers their context.
//
// Usage:
//
//	# Start with ~/.config/braidd/config.yaml
//	braidd
//
//	# Explicit config, MCP tools on stdio
//	braidd --config ./braidd.yaml --mcp
//
//	# Override a setting from the environment
//	BRAIDD_SERVER_HTTP_PORT=9292 braidd
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/braidd/internal/config"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	mcpMode    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "braidd",
	Short: "Centralized learning daemon",
	Long: `braidd clusters strands recorded by other modules, promotes resonant
clusters into synthesized lessons (braids), and serves those lessons to
subscribed consumers.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if mcpMode {
			cfg.Server.MCP = true
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "braidd by Fyrsmith Labs\n")
		fmt.Fprintf(out, "Version:    %s\n", version)
		fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
		fmt.Fprintf(out, "Build Date: %s\n", buildDate)
	},
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Load and validate the configuration, then exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d dimensions, store %s, subscriptions %s\n",
			len(cfg.Learning.Dimensions), cfg.Store.Driver, cfg.Subscriptions.Path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/braidd/config.yaml)")
	rootCmd.Flags().BoolVar(&mcpMode, "mcp", false, "serve MCP tools on stdio in addition to HTTP")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}
