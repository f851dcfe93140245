// Package main implements the tacit CLI for operations against the tacitd
// HTTP server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/tacit/internal/http"
)

var (
	// serverURL is the base URL of the tacitd HTTP server
	serverURL string
	// timeout bounds every non-streaming request
	timeout time.Duration
	// jsonOutput prints raw JSON instead of styled text
	jsonOutput bool

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tacit",
	Short: "CLI for the tacit convention-extraction server",
	Long: `tacit is a command-line interface for the tacitd server.

It starts extraction runs, reviews proposals, inspects rules with their
decision trail, and writes CLAUDE.md or .claude/rules/ files for a
repository.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("TACIT_SERVER", "http://localhost:8420"), "tacitd server URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	rootCmd.AddCommand(healthCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check tacitd server health",
	Long: `Check the health status of the tacitd HTTP server.

Examples:
  # Check health
  tacit health

  # Check health on a different server
  tacit health --server http://localhost:9090`,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var resp api.HealthResponse
	if err := newClient().get(cmd.Context(), "/health", &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to reach %s: %v\n", serverURL, err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", statusStyle(resp.Status).Render(resp.Status))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
