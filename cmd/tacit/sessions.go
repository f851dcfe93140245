package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/tacit/internal/http"
	"github.com/fyrsmithlabs/tacit/internal/onboarding"
	"github.com/fyrsmithlabs/tacit/internal/pipeline"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

var (
	onboardRole  string
	onboardRepos []int64
	onboardFocus []string
	onboardOut   string
)

func init() {
	rootCmd.AddCommand(sessionsCmd, hooksCmd, onboardCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsMineCmd)
	hooksCmd.AddCommand(hooksCaptureCmd)

	onboardCmd.Flags().StringVar(&onboardRole, "role", "developer", "role of the new team member")
	onboardCmd.Flags().Int64SliceVar(&onboardRepos, "repo", nil, "repository ids to draw rules from (default all)")
	onboardCmd.Flags().StringSliceVar(&onboardFocus, "focus", nil, "categories to include (default all)")
	onboardCmd.Flags().StringVarP(&onboardOut, "out", "o", "", "write to file instead of stdout")
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Mine coding-assistant session transcripts",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mined sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp api.SessionsResponse
		if err := newClient().get(cmd.Context(), "/api/v1/sessions", &resp); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		w := cmd.OutOrStdout()
		for _, s := range resp.Sessions {
			fmt.Fprintf(w, "%s %s %3d rules  %s\n",
				idStyle.Render(s.SessionID),
				labelStyle.Render("["+s.Project+"]"),
				s.RulesFound,
				dimStyle.Render(s.MinedAt.Format("2006-01-02 15:04")))
		}
		fmt.Fprintf(w, "%d sessions\n", resp.Total)
		return nil
	},
}

var sessionsMineCmd = &cobra.Command{
	Use:   "mine",
	Short: "Mine every transcript that changed since it was last mined",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp pipeline.MiningReport
		if err := newClient().post(cmd.Context(), "/api/v1/mine-sessions", nil, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		w := cmd.OutOrStdout()
		for _, r := range resp.Results {
			switch {
			case r.Error != "":
				fmt.Fprintf(w, "%s %s\n", errorStyle.Render(r.SessionID), r.Error)
			case r.Skipped:
				fmt.Fprintf(w, "%s %s\n", dimStyle.Render(r.SessionID), dimStyle.Render("unchanged"))
			default:
				fmt.Fprintf(w, "%s %d rules\n", idStyle.Render(r.SessionID), r.RulesFound)
			}
		}
		fmt.Fprintf(w, "%s processed %d, skipped %d, %d rules found\n",
			headerStyle.Render("Done:"), resp.SessionsProcessed, resp.SessionsSkipped, resp.TotalRulesFound)
		return nil
	},
}

var hooksCmd = &cobra.Command{
	Use:   "hooks",
	Short: "Coding-assistant hook handlers",
}

var hooksCaptureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Send the transcript of a finished session to tacitd",
	Long: `Read the hook payload ({"transcript_path", "cwd", "session_id"}) from stdin
and queue the transcript for mining. Configure it as a session-end hook:

  tacit hooks capture`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var req api.HookCaptureRequest
		if err := json.NewDecoder(cmd.InOrStdin()).Decode(&req); err != nil {
			return fmt.Errorf("reading hook payload: %w", err)
		}
		var resp api.HookCaptureResponse
		if err := newClient().post(cmd.Context(), "/api/v1/hooks/capture", req, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued %s\n", resp.TranscriptPath)
		return nil
	},
}

var onboardCmd = &cobra.Command{
	Use:   "onboard name",
	Short: "Write an onboarding guide for a new team member",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := onboarding.Request{
			DeveloperName: args[0],
			Role:          onboardRole,
			RepoIDs:       onboardRepos,
		}
		for _, c := range onboardFocus {
			req.FocusCategories = append(req.FocusCategories, rules.ParseCategory(c))
		}
		var guide onboarding.Guide
		if err := newClient().post(cmd.Context(), "/api/v1/onboarding/generate", req, &guide); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), guide)
		}
		if onboardOut == "" {
			_, err := fmt.Fprint(cmd.OutOrStdout(), guide.Content)
			return err
		}
		if err := os.WriteFile(onboardOut, []byte(guide.Content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", onboardOut, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d rules)\n", onboardOut, guide.RuleCount)
		return nil
	},
}
