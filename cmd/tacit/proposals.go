package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	api "github.com/fyrsmithlabs/tacit/internal/http"
	"github.com/fyrsmithlabs/tacit/internal/proposals"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

var (
	proposalStatus string
	reviewer       string
	reviewNote     string

	contributor       string
	contributeFile    string
	contributeText    string
	contributeCat     string
	contributeConf    float64
	contributeProject string
)

func init() {
	rootCmd.AddCommand(proposalsCmd, contributeCmd)
	proposalsCmd.AddCommand(proposalsListCmd, proposalsGetCmd, proposalsApproveCmd, proposalsRejectCmd)

	proposalsListCmd.Flags().StringVar(&proposalStatus, "status", "pending", "pending, approved, rejected or empty for all")
	for _, c := range []*cobra.Command{proposalsApproveCmd, proposalsRejectCmd} {
		c.Flags().StringVar(&reviewer, "by", envOr("USER", ""), "reviewer name")
		c.Flags().StringVar(&reviewNote, "note", "", "review feedback")
	}

	contributeCmd.Flags().StringVar(&contributor, "name", envOr("USER", ""), "contributor name")
	contributeCmd.Flags().StringVarP(&contributeFile, "file", "f", "", `JSON file with {"rules": [...]} or a bare array`)
	contributeCmd.Flags().StringVar(&contributeText, "text", "", "a single rule text")
	contributeCmd.Flags().StringVar(&contributeCat, "category", "general", "category of --text")
	contributeCmd.Flags().Float64Var(&contributeConf, "confidence", 0.7, "confidence of --text")
	contributeCmd.Flags().StringVar(&contributeProject, "project", "", "owner/name of the project the rules come from")
}

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Review proposed rules",
}

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List proposals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := "/api/v1/proposals"
		if proposalStatus != "" {
			path += "?status=" + proposalStatus
		}
		var list []rules.Proposal
		if err := newClient().get(cmd.Context(), path, &list); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		for _, p := range list {
			printProposal(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

var proposalsGetCmd = &cobra.Command{
	Use:   "get id",
	Short: "Show a proposal with its contributions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var detail proposals.Detail
		if err := newClient().get(cmd.Context(), fmt.Sprintf("/api/v1/proposals/%d", id), &detail); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), detail)
		}
		w := cmd.OutOrStdout()
		printProposal(w, *detail.Proposal)
		fmt.Fprintln(w, headerStyle.Render("Contributions"))
		for _, c := range detail.Contributions {
			fmt.Fprintf(w, "  %s %s %s\n",
				labelStyle.Render(c.ContributorName),
				dimStyle.Render(fmt.Sprintf("sim %.2f conf %.2f", c.Similarity, c.OriginalConfidence)),
				c.OriginalText)
		}
		return nil
	},
}

var proposalsApproveCmd = &cobra.Command{
	Use:   "approve id",
	Short: "Approve a proposal and promote it to a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var resp api.ApproveResponse
		err = newClient().post(cmd.Context(), fmt.Sprintf("/api/v1/proposals/%d/approve", id),
			api.ReviewRequest{ReviewedBy: reviewer, Feedback: reviewNote}, &resp)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Approved proposal #%d as rule:\n", id)
		printRule(cmd.OutOrStdout(), *resp.Rule)
		return nil
	},
}

var proposalsRejectCmd = &cobra.Command{
	Use:   "reject id",
	Short: "Reject a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var p rules.Proposal
		err = newClient().post(cmd.Context(), fmt.Sprintf("/api/v1/proposals/%d/reject", id),
			api.ReviewRequest{ReviewedBy: reviewer, Feedback: reviewNote}, &p)
		if err != nil {
			return err
		}
		printProposal(cmd.OutOrStdout(), p)
		return nil
	},
}

var contributeCmd = &cobra.Command{
	Use:   "contribute",
	Short: "Contribute independently extracted rules for consensus",
	Long: `Contribute rules you extracted on your own machine. Each rule merges into
a matching pending proposal or opens a new one.

Examples:
  tacit contribute --name alice --text "Wrap errors with %w" --category code-style
  tacit contribute --name alice -f extracted.json --project acme/api`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		batch, err := buildBatch()
		if err != nil {
			return err
		}
		var resp api.ContributeResponse
		if err := newClient().post(cmd.Context(), "/api/v1/contribute", batch, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		w := cmd.OutOrStdout()
		for _, r := range resp.Results {
			fmt.Fprintf(w, "%s ", labelStyle.Render(fmt.Sprintf("%-7s", r.Action)))
			printProposal(w, *r.Proposal)
		}
		fmt.Fprintf(w, "%d merged, %d created\n", resp.Merged, resp.Created)
		return nil
	},
}

func buildBatch() (proposals.Batch, error) {
	b := proposals.Batch{ContributorName: contributor, ProjectHint: contributeProject}
	if contributor == "" {
		return b, fmt.Errorf("--name is required")
	}
	if contributeText != "" {
		b.Rules = append(b.Rules, proposals.Contribution{
			Text:       contributeText,
			Category:   rules.ParseCategory(contributeCat),
			Confidence: contributeConf,
		})
	}
	if contributeFile != "" {
		data, err := os.ReadFile(contributeFile)
		if err != nil {
			return b, fmt.Errorf("failed to read %s: %w", contributeFile, err)
		}
		list, err := parseContributions(data)
		if err != nil {
			return b, fmt.Errorf("parsing %s: %w", contributeFile, err)
		}
		b.Rules = append(b.Rules, list...)
	}
	if len(b.Rules) == 0 {
		return b, fmt.Errorf("nothing to contribute: pass --text or --file")
	}
	return b, nil
}

// parseContributions accepts {"rules": [...]} or a bare array.
func parseContributions(data []byte) ([]proposals.Contribution, error) {
	var wrapped struct {
		Rules []proposals.Contribution `json:"rules"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.Rules) > 0 {
		return wrapped.Rules, nil
	}
	var list []proposals.Contribution
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	return list, nil
}
