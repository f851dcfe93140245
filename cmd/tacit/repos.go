package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

func init() {
	rootCmd.AddCommand(reposCmd)
	reposCmd.AddCommand(reposAddCmd, reposListCmd, reposRemoveCmd, reposTokenCmd)
}

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "Manage connected repositories",
}

var reposAddCmd = &cobra.Command{
	Use:   "add owner/name",
	Short: "Connect a repository",
	Long: `Connect a repository. The GitHub token is read from GITHUB_TOKEN and
stored server-side; it is never printed back.

Examples:
  GITHUB_TOKEN=ghp_... tacit repos add acme/api`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var repo rules.Repository
		err := newClient().post(cmd.Context(), "/api/v1/repos", tokenRequest{
			FullName:    args[0],
			GitHubToken: os.Getenv("GITHUB_TOKEN"),
		}, &repo)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), repo)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Connected %s as %s\n", repo.FullName, idStyle.Render(fmt.Sprintf("#%d", repo.ID)))
		return nil
	},
}

var reposListCmd = &cobra.Command{
	Use:   "list",
	Short: "List connected repositories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var repos []rules.Repository
		if err := newClient().get(cmd.Context(), "/api/v1/repos", &repos); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), repos)
		}
		for _, r := range repos {
			token := dimStyle.Render("no token")
			if r.HasToken {
				token = healthyStyle.Render("token")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", idStyle.Render(fmt.Sprintf("#%d", r.ID)), r.FullName, token)
		}
		return nil
	},
}

var reposRemoveCmd = &cobra.Command{
	Use:   "remove id",
	Short: "Disconnect a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return newClient().do(cmd.Context(), "DELETE", fmt.Sprintf("/api/v1/repos/%d", id), nil, nil)
	},
}

var reposTokenCmd = &cobra.Command{
	Use:   "token id",
	Short: "Rotate a repository's GitHub token from GITHUB_TOKEN",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		token := os.Getenv("GITHUB_TOKEN")
		if token == "" {
			return fmt.Errorf("GITHUB_TOKEN is not set")
		}
		return newClient().do(cmd.Context(), "PUT", fmt.Sprintf("/api/v1/repos/%d/token", id),
			tokenRequest{GitHubToken: token}, nil)
	},
}

// tokenRequest carries a token in clear text. config.Secret always
// marshals redacted, so the API request types cannot be reused here.
type tokenRequest struct {
	FullName    string `json:"full_name,omitempty"`
	Repo        string `json:"repo,omitempty"`
	RepoID      int64  `json:"repo_id,omitempty"`
	GitHubToken string `json:"github_token,omitempty"`
	MaxItems    int    `json:"max_items,omitempty"`
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
