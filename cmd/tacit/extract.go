package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/tacit/internal/events"
	api "github.com/fyrsmithlabs/tacit/internal/http"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

var (
	extractMaxItems int
	extractDetach   bool
)

func init() {
	rootCmd.AddCommand(extractCmd, runsCmd, localExtractCmd)
	runsCmd.AddCommand(runsListCmd, runsWatchCmd)

	extractCmd.Flags().IntVar(&extractMaxItems, "max-items", 0, "pull requests to analyze (server default when 0)")
	extractCmd.Flags().BoolVarP(&extractDetach, "detach", "d", false, "start the run and return without streaming")
}

var extractCmd = &cobra.Command{
	Use:   "extract owner/name",
	Short: "Run the multi-source extraction pipeline on a repository",
	Long: `Start an extraction run and stream its progress until it completes.
The GitHub token is taken from GITHUB_TOKEN when set.

Examples:
  tacit extract acme/api --max-items 20`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, _, ok := rules.SplitFullName(args[0]); !ok {
			return fmt.Errorf("repository must be owner/name, got %q", args[0])
		}
		c := newClient()
		var resp api.ExtractResponse
		err := c.post(cmd.Context(), "/api/v1/extract", tokenRequest{
			Repo:        args[0],
			GitHubToken: os.Getenv("GITHUB_TOKEN"),
			MaxItems:    extractMaxItems,
		}, &resp)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Started run %s\n", idStyle.Render(fmt.Sprintf("#%d", resp.RunID)))
		if extractDetach {
			return nil
		}
		return watch(cmd, c, resp.RunID)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect extraction runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extraction runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var runs []rules.Run
		if err := newClient().get(cmd.Context(), "/api/v1/runs", &runs); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), runs)
		}
		for _, r := range runs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s repo #%d stage %s, %d rules from %d PRs\n",
				idStyle.Render(fmt.Sprintf("#%d", r.ID)),
				statusStyle(string(r.Status)).Render(string(r.Status)),
				r.RepoID, r.Stage, r.RulesFound, r.ItemsAnalyzed)
		}
		return nil
	},
}

var runsWatchCmd = &cobra.Command{
	Use:   "watch id",
	Short: "Stream the progress events of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return watch(cmd, newClient(), id)
	},
}

func watch(cmd *cobra.Command, c *client, runID int64) error {
	w := cmd.OutOrStdout()
	last, err := c.streamEvents(cmd.Context(), "GET", fmt.Sprintf("/api/v1/runs/%d/events", runID), nil,
		func(e events.Event) { printEvent(w, e) })
	if err != nil {
		return err
	}
	if last != nil && last.Type == events.Error {
		return fmt.Errorf("run %d failed: %s", runID, last.Message)
	}
	return nil
}

var localExtractCmd = &cobra.Command{
	Use:   "local-extract [project-path]",
	Short: "Extract rules from local coding-assistant conversation logs",
	Long: `Extract rules from the conversation logs the coding assistant keeps for a
project. The path defaults to the current directory and must be readable
by the server.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "."
		if len(args) == 1 {
			path = args[0]
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		last, err := newClient().streamEvents(cmd.Context(), "POST", "/api/v1/local-extract",
			api.LocalExtractRequest{ProjectPath: abs}, func(e events.Event) { printEvent(w, e) })
		if err != nil {
			return err
		}
		if last != nil && last.Type == events.Error {
			return fmt.Errorf("local extraction failed: %s", strings.TrimSpace(last.Message))
		}
		return nil
	},
}
