package codehost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/config"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

const defaultHTTPTimeout = 30 * time.Second

// docPaths are the documents probed by Docs, in order.
var docPaths = []string{
	"README.md",
	"CONTRIBUTING.md",
	"CLAUDE.md",
	"AGENTS.md",
	"STYLEGUIDE.md",
	"docs/CONTRIBUTING.md",
	"docs/ARCHITECTURE.md",
	"ARCHITECTURE.md",
	".github/PULL_REQUEST_TEMPLATE.md",
	".github/CONTRIBUTING.md",
}

var ciFixRE = regexp.MustCompile(`(?i)\b(fix|fixes|fixed|repair|unbreak)\b.*\b(ci|build|lint|linter|tests?|pipeline|workflow|flaky)\b`)

// ErrNotFound indicates the requested repository, file or item does not
// exist on the host.
var ErrNotFound = errors.New("not found on code host")

// GitHub implements Host with the GitHub REST API.
type GitHub struct {
	client *github.Client
	retry  RetryConfig
	logger *zap.Logger
}

// Option configures a GitHub host.
type Option func(*GitHub) error

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(base string) Option {
	return func(g *GitHub) error {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return fmt.Errorf("parsing base URL: %w", err)
		}
		g.client.BaseURL = u
		return nil
	}
}

// WebURL derives the web host of a GitHub API base URL:
// https://ghe.example.com/api/v3 becomes https://ghe.example.com. An
// api.github.com URL maps to https://github.com.
func WebURL(apiBase string) string {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil || u.Host == "" {
		return "https://github.com"
	}
	if u.Host == "api.github.com" {
		return "https://github.com"
	}
	return u.Scheme + "://" + u.Host
}

// WithRetry overrides the retry policy.
func WithRetry(cfg RetryConfig) Option {
	return func(g *GitHub) error {
		g.retry = cfg
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *GitHub) error {
		g.logger = logger
		return nil
	}
}

// New creates a GitHub host. An empty token uses unauthenticated access.
func New(ctx context.Context, token config.Secret, opts ...Option) (*GitHub, error) {
	httpClient := &http.Client{Timeout: defaultHTTPTimeout}
	if token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
		httpClient = oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, httpClient), ts)
	}

	g := &GitHub{
		client: github.NewClient(httpClient),
		retry:  DefaultRetryConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// NewFactory returns a Factory that builds GitHub hosts against baseURL
// (empty for github.com). A per-call token falls back to fallback.
func NewFactory(baseURL string, fallback config.Secret, logger *zap.Logger) Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, token config.Secret) Host {
		opts := []Option{WithLogger(logger)}
		if baseURL != "" {
			opts = append(opts, WithBaseURL(baseURL))
		}
		g, err := New(ctx, token.Or(fallback), opts...)
		if err != nil {
			logger.Error("invalid GitHub base URL, using api.github.com", zap.Error(err))
			g, _ = New(ctx, token.Or(fallback), WithLogger(logger))
		}
		return g
	}
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := rules.SplitFullName(repo)
	if !ok {
		return "", "", fmt.Errorf("%w: repository must be owner/name, got %q", rules.ErrValidation, repo)
	}
	return owner, name, nil
}

// wrap classifies host errors: 404 becomes ErrNotFound, everything else a
// CollaboratorError.
func wrap(op string, err error) error {
	var gerr *github.ErrorResponse
	if errors.As(err, &gerr) && gerr.Response != nil && gerr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("github %s: %w", op, ErrNotFound)
	}
	return &agent.CollaboratorError{Op: "github " + op, Err: err}
}

func (g *GitHub) call(ctx context.Context, op string, fn func() (*github.Response, error)) error {
	if err := retry(ctx, g.retry, g.logger, fn); err != nil {
		return wrap(op, err)
	}
	return nil
}

func perPage(limit int) int {
	switch {
	case limit <= 0:
		return 30
	case limit > 100:
		return 100
	default:
		return limit
	}
}

func toChangeRequest(pr *github.PullRequest) ChangeRequest {
	cr := ChangeRequest{
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		Author:    pr.GetUser().GetLogin(),
		State:     pr.GetState(),
		Body:      pr.GetBody(),
		Comments:  pr.GetComments() + pr.GetReviewComments(),
		Merged:    pr.MergedAt != nil,
		URL:       pr.GetHTMLURL(),
		CreatedAt: pr.GetCreatedAt().Time,
		UpdatedAt: pr.GetUpdatedAt().Time,
	}
	for _, l := range pr.Labels {
		cr.Labels = append(cr.Labels, l.GetName())
	}
	return cr
}

func (g *GitHub) listPulls(ctx context.Context, owner, name, state string, limit int) ([]*github.PullRequest, error) {
	if state == "" {
		state = "closed"
	}
	var prs []*github.PullRequest
	err := g.call(ctx, "list pull requests", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		prs, resp, err = g.client.PullRequests.List(ctx, owner, name, &github.PullRequestListOptions{
			State:       state,
			Sort:        "updated",
			Direction:   "desc",
			ListOptions: github.ListOptions{PerPage: perPage(limit)},
		})
		return resp, err
	})
	return prs, err
}

// ListChangeRequests returns the most recently updated pull requests.
func (g *GitHub) ListChangeRequests(ctx context.Context, repo, state string, limit int) ([]ChangeRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	prs, err := g.listPulls(ctx, owner, name, state, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ChangeRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, toChangeRequest(pr))
	}
	return out, nil
}

// Thread returns the issue comments, inline review comments and review
// bodies of a pull request, oldest first.
func (g *GitHub) Thread(ctx context.Context, repo string, number int) ([]Comment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var out []Comment

	var issueComments []*github.IssueComment
	if err := g.call(ctx, "list issue comments", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		issueComments, resp, err = g.client.Issues.ListComments(ctx, owner, name, number,
			&github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}})
		return resp, err
	}); err != nil {
		return nil, err
	}
	for _, c := range issueComments {
		out = append(out, Comment{
			Kind:      KindIssueComment,
			Number:    number,
			Author:    c.GetUser().GetLogin(),
			Body:      c.GetBody(),
			CreatedAt: c.GetCreatedAt().Time,
		})
	}

	var reviewComments []*github.PullRequestComment
	if err := g.call(ctx, "list review comments", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		reviewComments, resp, err = g.client.PullRequests.ListComments(ctx, owner, name, number,
			&github.PullRequestListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}})
		return resp, err
	}); err != nil {
		return nil, err
	}
	for _, c := range reviewComments {
		out = append(out, Comment{
			Kind:      KindReviewComment,
			Number:    number,
			Author:    c.GetUser().GetLogin(),
			Body:      c.GetBody(),
			Path:      c.GetPath(),
			DiffHunk:  c.GetDiffHunk(),
			CreatedAt: c.GetCreatedAt().Time,
		})
	}

	reviews, err := g.reviews(ctx, owner, name, number)
	if err != nil {
		return nil, err
	}
	for _, r := range reviews {
		if r.GetBody() == "" {
			continue
		}
		out = append(out, reviewComment(number, r))
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (g *GitHub) reviews(ctx context.Context, owner, name string, number int) ([]*github.PullRequestReview, error) {
	var reviews []*github.PullRequestReview
	err := g.call(ctx, "list reviews", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		reviews, resp, err = g.client.PullRequests.ListReviews(ctx, owner, name, number, &github.ListOptions{PerPage: 100})
		return resp, err
	})
	return reviews, err
}

func reviewComment(number int, r *github.PullRequestReview) Comment {
	return Comment{
		Kind:      KindReview,
		Number:    number,
		Author:    r.GetUser().GetLogin(),
		Body:      r.GetBody(),
		State:     r.GetState(),
		CreatedAt: r.GetSubmittedAt().Time,
	}
}

// Tree returns every file path on the default branch.
func (g *GitHub) Tree(ctx context.Context, repo string) ([]string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var r *github.Repository
	if err := g.call(ctx, "get repository", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		r, resp, err = g.client.Repositories.Get(ctx, owner, name)
		return resp, err
	}); err != nil {
		return nil, err
	}
	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "HEAD"
	}

	var tree *github.Tree
	if err := g.call(ctx, "get tree", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		tree, resp, err = g.client.Git.GetTree(ctx, owner, name, branch, true)
		return resp, err
	}); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		if e.GetType() == "blob" {
			paths = append(paths, e.GetPath())
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Commits returns the latest commits on the default branch.
func (g *GitHub) Commits(ctx context.Context, repo string, limit int) ([]Commit, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	var commits []*github.RepositoryCommit
	if err := g.call(ctx, "list commits", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		commits, resp, err = g.client.Repositories.ListCommits(ctx, owner, name,
			&github.CommitsListOptions{ListOptions: github.ListOptions{PerPage: perPage(limit)}})
		return resp, err
	}); err != nil {
		return nil, err
	}
	out := make([]Commit, 0, len(commits))
	for _, c := range commits {
		out = append(out, Commit{
			SHA:     c.GetSHA(),
			Message: c.GetCommit().GetMessage(),
			Author:  c.GetCommit().GetAuthor().GetName(),
			Date:    c.GetCommit().GetAuthor().GetDate().Time,
		})
	}
	return out, nil
}

// FileContent returns the decoded content of a file on the default branch.
func (g *GitHub) FileContent(ctx context.Context, repo, path string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	var file *github.RepositoryContent
	if err := g.call(ctx, "get contents", func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		file, _, resp, err = g.client.Repositories.GetContents(ctx, owner, name, path, nil)
		return resp, err
	}); err != nil {
		return "", err
	}
	if file == nil {
		return "", fmt.Errorf("%s is a directory: %w", path, ErrNotFound)
	}
	content, err := file.GetContent()
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", path, err)
	}
	return content, nil
}

// Docs returns the convention-bearing documents that exist in the
// repository, keyed by path.
func (g *GitHub) Docs(ctx context.Context, repo string) (map[string]string, error) {
	docs := make(map[string]string)
	for _, path := range docPaths {
		content, err := g.FileContent(ctx, repo, path)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return docs, err
		}
		docs[path] = content
	}
	return docs, nil
}

// CIFixes returns recently merged pull requests that fixed CI, each with
// the files it touched.
func (g *GitHub) CIFixes(ctx context.Context, repo string, limit int) ([]CIFix, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	prs, err := g.listPulls(ctx, owner, name, "closed", 100)
	if err != nil {
		return nil, err
	}

	var out []CIFix
	for _, pr := range prs {
		if len(out) >= limit {
			break
		}
		if pr.MergedAt == nil || !isCIFix(pr) {
			continue
		}
		fix := CIFix{
			Number:   pr.GetNumber(),
			Title:    pr.GetTitle(),
			Body:     pr.GetBody(),
			URL:      pr.GetHTMLURL(),
			MergedAt: pr.GetMergedAt().Time,
		}
		var files []*github.CommitFile
		if err := g.call(ctx, "list files", func() (*github.Response, error) {
			var (
				resp *github.Response
				err  error
			)
			files, resp, err = g.client.PullRequests.ListFiles(ctx, owner, name, pr.GetNumber(), &github.ListOptions{PerPage: 100})
			return resp, err
		}); err != nil {
			return out, err
		}
		for _, f := range files {
			fix.Files = append(fix.Files, f.GetFilename())
		}
		out = append(out, fix)
	}
	return out, nil
}

func isCIFix(pr *github.PullRequest) bool {
	if ciFixRE.MatchString(pr.GetTitle()) {
		return true
	}
	for _, l := range pr.Labels {
		switch strings.ToLower(l.GetName()) {
		case "ci", "ci-fix", "build", "flaky-test":
			return true
		}
	}
	return false
}

// RejectedReviews returns "changes requested" reviews from recently closed
// pull requests: approaches reviewers pushed back on.
func (g *GitHub) RejectedReviews(ctx context.Context, repo string, limit int) ([]Comment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	prs, err := g.listPulls(ctx, owner, name, "closed", 30)
	if err != nil {
		return nil, err
	}

	var out []Comment
	for _, pr := range prs {
		if len(out) >= limit {
			break
		}
		reviews, err := g.reviews(ctx, owner, name, pr.GetNumber())
		if err != nil {
			return out, err
		}
		for _, r := range reviews {
			if r.GetState() != "CHANGES_REQUESTED" || r.GetBody() == "" {
				continue
			}
			out = append(out, reviewComment(pr.GetNumber(), r))
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

var _ Host = (*GitHub)(nil)
