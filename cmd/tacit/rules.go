package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/tacit/internal/emitter"
	api "github.com/fyrsmithlabs/tacit/internal/http"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

var (
	rulesQuery         string
	rulesCategory      string
	rulesRepoID        int64
	rulesMinConfidence float64
	rulesLimit         int

	feedbackNote string

	claudeMDOut  string
	claudeMDDiff bool
	rulesDirOut  string
)

func init() {
	rootCmd.AddCommand(rulesCmd, claudeMDCmd, rulesDirCmd, patternsCmd, sourceQualityCmd)
	rulesCmd.AddCommand(rulesListCmd, rulesGetCmd, rulesDeleteCmd, rulesTrailCmd, rulesUpCmd, rulesDownCmd)

	rulesListCmd.Flags().StringVarP(&rulesQuery, "query", "q", "", "substring to search for")
	rulesListCmd.Flags().StringVar(&rulesCategory, "category", "", "category filter")
	rulesListCmd.Flags().Int64Var(&rulesRepoID, "repo", 0, "repository id filter")
	rulesListCmd.Flags().Float64Var(&rulesMinConfidence, "min-confidence", 0, "minimum confidence")
	rulesListCmd.Flags().IntVar(&rulesLimit, "limit", 0, "maximum number of rules")

	for _, c := range []*cobra.Command{rulesUpCmd, rulesDownCmd} {
		c.Flags().StringVar(&feedbackNote, "note", "", "why the rule helped or hurt")
	}

	claudeMDCmd.Flags().StringVarP(&claudeMDOut, "out", "o", "", "write to file instead of stdout")
	claudeMDCmd.Flags().BoolVar(&claudeMDDiff, "diff", false, "compare with the CLAUDE.md on the repository's default branch")
	rulesDirCmd.Flags().StringVarP(&rulesDirOut, "out", "o", ".", "project root to write .claude/rules/ under")
	sourceQualityCmd.Flags().Int64Var(&rulesRepoID, "repo", 0, "repository id filter")
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and curate extracted rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules",
	Long: `List rules ordered by confidence.

Examples:
  tacit rules list --repo 1 --min-confidence 0.7
  tacit rules list -q "error" --category code-style`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		q := url.Values{}
		if rulesQuery != "" {
			q.Set("q", rulesQuery)
		}
		if rulesCategory != "" {
			q.Set("category", rulesCategory)
		}
		if rulesRepoID > 0 {
			q.Set("repo_id", strconv.FormatInt(rulesRepoID, 10))
		}
		if rulesMinConfidence > 0 {
			q.Set("min_confidence", strconv.FormatFloat(rulesMinConfidence, 'f', -1, 64))
		}
		if rulesLimit > 0 {
			q.Set("limit", strconv.Itoa(rulesLimit))
		}
		path := "/api/v1/rules"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var list []rules.Rule
		if err := newClient().get(cmd.Context(), path, &list); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), list)
		}
		for _, r := range list {
			printRule(cmd.OutOrStdout(), r)
		}
		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(fmt.Sprintf("%d rule(s)", len(list))))
		return nil
	},
}

var rulesGetCmd = &cobra.Command{
	Use:   "get id",
	Short: "Show a rule with its decision trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var detail api.RuleDetail
		if err := newClient().get(cmd.Context(), fmt.Sprintf("/api/v1/rules/%d", id), &detail); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), detail)
		}
		w := cmd.OutOrStdout()
		printRule(w, *detail.Rule)
		if detail.Rule.ProvenanceURL != "" {
			fmt.Fprintf(w, "    %s\n", detail.Rule.ProvenanceURL)
		}
		fmt.Fprintf(w, "    feedback score: %d\n", detail.Rule.FeedbackScore)
		fmt.Fprintln(w, headerStyle.Render("Decision trail"))
		printTrail(w, detail.Trail)
		return nil
	},
}

var rulesTrailCmd = &cobra.Command{
	Use:   "trail id",
	Short: "Show the decision trail of a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var trail []rules.TrailEntry
		if err := newClient().get(cmd.Context(), fmt.Sprintf("/api/v1/rules/%d/trail", id), &trail); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), trail)
		}
		printTrail(cmd.OutOrStdout(), trail)
		return nil
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete id",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return newClient().do(cmd.Context(), "DELETE", fmt.Sprintf("/api/v1/rules/%d", id), nil, nil)
	},
}

var rulesUpCmd = &cobra.Command{
	Use:   "up id",
	Short: "Upvote a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  voteRunner("up"),
}

var rulesDownCmd = &cobra.Command{
	Use:   "down id",
	Short: "Downvote a rule",
	Args:  cobra.ExactArgs(1),
	RunE:  voteRunner("down"),
}

func voteRunner(vote string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var resp api.FeedbackResponse
		err = newClient().post(cmd.Context(), fmt.Sprintf("/api/v1/rules/%d/feedback", id),
			api.FeedbackRequest{Vote: vote, Note: feedbackNote}, &resp)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Rule #%d feedback score: %d\n", resp.RuleID, resp.FeedbackScore)
		return nil
	}
}

var claudeMDCmd = &cobra.Command{
	Use:   "claude-md repo-id",
	Short: "Render CLAUDE.md for a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if claudeMDDiff {
			return printClaudeMDDiff(cmd, id)
		}
		var body []byte
		if err := newClient().get(cmd.Context(), fmt.Sprintf("/api/v1/claude-md/%d", id), &body); err != nil {
			return err
		}
		if claudeMDOut == "" {
			_, err := cmd.OutOrStdout().Write(body)
			return err
		}
		if err := os.WriteFile(claudeMDOut, body, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", claudeMDOut, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", claudeMDOut)
		return nil
	},
}

func printClaudeMDDiff(cmd *cobra.Command, id int64) error {
	var resp api.ClaudeMDDiffResponse
	if err := newClient().get(cmd.Context(), fmt.Sprintf("/api/v1/claude-md/%d/diff", id), &resp); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	w := cmd.OutOrStdout()
	if len(resp.DiffLines) == 0 {
		fmt.Fprintln(w, healthyStyle.Render("CLAUDE.md is up to date"))
		return nil
	}
	for _, l := range resp.DiffLines {
		switch l.Type {
		case emitter.DiffAdd:
			fmt.Fprintln(w, healthyStyle.Render("+"+l.Text))
		case emitter.DiffRemove:
			fmt.Fprintln(w, errorStyle.Render("-"+l.Text))
		default:
			fmt.Fprintln(w, dimStyle.Render(" "+l.Text))
		}
	}
	return nil
}

var rulesDirCmd = &cobra.Command{
	Use:   "rules-dir repo-id",
	Short: "Write the modular .claude/rules/ layout for a repository",
	Long: `Write one markdown file per category (and per path scope) under
<out>/.claude/rules/. Existing files with the same names are overwritten.

Examples:
  tacit rules-dir 1 --out ~/src/api`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		var resp api.ClaudeRulesResponse
		if err := newClient().get(cmd.Context(), fmt.Sprintf("/api/v1/claude-rules/%d", id), &resp); err != nil {
			return err
		}
		files := emitter.Files(resp.Files)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		dir := filepath.Join(rulesDirOut, emitter.RulesDir)
		if err := emitter.WriteFiles(dir, files); err != nil {
			return err
		}
		for _, p := range files.Paths() {
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", filepath.Join(dir, p))
		}
		return nil
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Show conventions shared across repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp api.PatternsResponse
		if err := newClient().get(cmd.Context(), "/api/v1/patterns/cross-repo", &resp); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		w := cmd.OutOrStdout()
		for _, p := range resp.Patterns {
			fmt.Fprintf(w, "%s %s %s\n",
				headerStyle.Render(fmt.Sprintf("x%d", p.Frequency)),
				labelStyle.Render("["+string(p.Category)+"]"),
				p.Text)
			fmt.Fprintf(w, "    %s\n", dimStyle.Render(fmt.Sprintf("%v avg %.2f", p.Repos, p.AvgConfidence)))
		}
		return nil
	},
}

var sourceQualityCmd = &cobra.Command{
	Use:   "source-quality",
	Short: "Show rule counts, confidence and feedback per extraction source",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := "/api/v1/stats/source-quality"
		if rulesRepoID > 0 {
			path += "?repo_id=" + strconv.FormatInt(rulesRepoID, 10)
		}
		var resp api.SourceQualityResponse
		if err := newClient().get(cmd.Context(), path, &resp); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		for _, q := range resp.SourceQuality {
			fmt.Fprintf(cmd.OutOrStdout(), "%-16s %4d rules  avg %s  feedback %+d\n",
				q.SourceType, q.Rules,
				confidenceStyle(q.AvgConfidence).Render(fmt.Sprintf("%.2f", q.AvgConfidence)),
				q.TotalFeedback)
		}
		return nil
	},
}
