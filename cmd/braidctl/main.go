// Package main implements braidctl, a command-line client for the braidd HTTP API.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the braidd HTTP server
	serverURL string
	timeout   time.Duration
	version   = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "braidctl",
	Short: "CLI for the braidd learning daemon",
	Long: `braidctl talks to a running braidd over HTTP. It records strands, reads
the context a consumer would receive, and shows promotion state.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://127.0.0.1:9191", "braidd server URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.AddCommand(notifyCmd, contextCmd, promotionsCmd, healthCmd)
}
