// Package tools builds the tool functions an extraction agent may call:
// code-host fetchers scoped to one repository, read-only knowledge lookups
// and the local conversation-log reader.
//
// Every tool returns indented JSON. Text that originates from the code host
// or from local logs passes through the Redactor before the agent sees it.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/codehost"
	"github.com/fyrsmithlabs/tacit/internal/config"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

// Tool names.
const (
	FetchPRs              = "github_fetch_prs"
	FetchComments         = "github_fetch_comments"
	FetchRepoStructure    = "github_fetch_repo_structure"
	FetchDocs             = "github_fetch_docs"
	FetchCIFixes          = "github_fetch_ci_fixes"
	FetchCodeSamples      = "github_fetch_code_samples"
	FetchRejectedPatterns = "github_fetch_rejected_patterns"
	FetchFileContent      = "github_fetch_file_content"
	SearchKnowledge       = "search_knowledge"
	ListAllKnowledge      = "list_all_knowledge"
	ReadConversationLogs  = "read_conversation_logs"
)

const (
	maxFileChars   = 8000
	maxSampleChars = 3000
	maxSamples     = 15
	maxTreePaths   = 500
)

// configFiles are the basenames fetched by github_fetch_code_samples.
var configFiles = map[string]bool{
	"go.mod":                  true,
	"Makefile":                true,
	"package.json":            true,
	"tsconfig.json":           true,
	"pyproject.toml":          true,
	"setup.cfg":               true,
	"Cargo.toml":              true,
	".golangci.yml":           true,
	".golangci.yaml":          true,
	".eslintrc":               true,
	".eslintrc.json":          true,
	".eslintrc.js":            true,
	".prettierrc":             true,
	".editorconfig":           true,
	".pre-commit-config.yaml": true,
	"Dockerfile":              true,
}

// Store is the read-only knowledge access the tools need.
type Store interface {
	SearchRules(ctx context.Context, query string, category rules.Category, repoID *int64) ([]rules.Rule, error)
	ListRules(ctx context.Context, f store.RuleFilter) ([]rules.Rule, error)
}

// Redactor masks credentials in text.
type Redactor interface {
	Redact(text string) string
}

// Target is the repository an extraction run works on.
type Target struct {
	Repo   string
	RepoID int64
	Host   codehost.Host
	Token  config.Secret
}

// Toolset builds tool sets bound to a target.
type Toolset struct {
	Store    Store
	Redactor Redactor

	// LogsDir is the root of the coding assistant's per-project log
	// directories. Empty means ~/.claude/projects.
	LogsDir string
}

// Set is a collection of tools keyed by name.
type Set map[string]agent.Tool

// Select returns the named tools in the given order. Unknown names are
// skipped.
func (s Set) Select(names ...string) []agent.Tool {
	out := make([]agent.Tool, 0, len(names))
	for _, n := range names {
		if t, ok := s[n]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Names returns the tool names in sorted order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// For returns every tool bound to target. Code-host tools refuse to read
// any repository other than target.Repo.
func (ts *Toolset) For(target Target) Set {
	b := &binding{ts: ts, target: target}
	set := Set{}
	for _, t := range []agent.Tool{
		{
			Name:        FetchPRs,
			Description: "Fetch recent pull requests with title, author, comment count and labels.",
			InputSchema: objectSchema(map[string]any{
				"repo":     stringProp("Full repo name e.g. 'owner/repo'"),
				"state":    stringProp("PR state: open, closed, or all (default closed)"),
				"per_page": intProp("Number of PRs to fetch (max 100, default 30)"),
			}),
			Handler: b.fetchPRs,
		},
		{
			Name:        FetchComments,
			Description: "Fetch the full discussion of a pull request: issue comments, inline review comments and review bodies.",
			InputSchema: objectSchema(map[string]any{
				"repo":      stringProp("Full repo name e.g. 'owner/repo'"),
				"pr_number": intProp("Pull request number"),
			}, "pr_number"),
			Handler: b.fetchComments,
		},
		{
			Name:        FetchRepoStructure,
			Description: "Fetch the repository file tree and recent commit messages.",
			InputSchema: objectSchema(map[string]any{
				"repo": stringProp("Full repo name e.g. 'owner/repo'"),
			}),
			Handler: b.fetchStructure,
		},
		{
			Name:        FetchDocs,
			Description: "Fetch README, CONTRIBUTING, CLAUDE.md, architecture and style documents.",
			InputSchema: objectSchema(map[string]any{
				"repo": stringProp("Full repo name e.g. 'owner/repo'"),
			}),
			Handler: b.fetchDocs,
		},
		{
			Name:        FetchCIFixes,
			Description: "Fetch recently merged pull requests that fixed CI, with the files they touched.",
			InputSchema: objectSchema(map[string]any{
				"repo":  stringProp("Full repo name e.g. 'owner/repo'"),
				"limit": intProp("Maximum number of fixes (default 10)"),
			}),
			Handler: b.fetchCIFixes,
		},
		{
			Name:        FetchCodeSamples,
			Description: "Fetch build, lint, formatter and package manager configuration files.",
			InputSchema: objectSchema(map[string]any{
				"repo": stringProp("Full repo name e.g. 'owner/repo'"),
			}),
			Handler: b.fetchCodeSamples,
		},
		{
			Name:        FetchRejectedPatterns,
			Description: "Fetch CHANGES_REQUESTED review comments: approaches reviewers pushed back on.",
			InputSchema: objectSchema(map[string]any{
				"repo":  stringProp("Full repo name e.g. 'owner/repo'"),
				"limit": intProp("Maximum number of reviews (default 20)"),
			}),
			Handler: b.fetchRejected,
		},
		{
			Name:        FetchFileContent,
			Description: "Fetch the content of one file on the default branch.",
			InputSchema: objectSchema(map[string]any{
				"repo": stringProp("Full repo name e.g. 'owner/repo'"),
				"path": stringProp("File path relative to the repository root"),
			}, "path"),
			Handler: b.fetchFile,
		},
		{
			Name:        SearchKnowledge,
			Description: "Search existing knowledge rules by text, to avoid extracting duplicates.",
			InputSchema: objectSchema(map[string]any{
				"query":    stringProp("Text to search for in rule text"),
				"category": stringProp("Filter by category (optional)"),
			}, "query"),
			Handler: b.searchKnowledge,
		},
		{
			Name:        ListAllKnowledge,
			Description: "List every knowledge rule of the repository, highest confidence first.",
			InputSchema: objectSchema(map[string]any{
				"category": stringProp("Filter by category (optional)"),
			}),
			Handler: b.listKnowledge,
		},
		{
			Name:        ReadConversationLogs,
			Description: "Read coding-assistant JSONL conversation logs for a project. Returns assistant messages and tool results.",
			InputSchema: objectSchema(map[string]any{
				"project_path": stringProp("Path to the project whose logs should be read"),
				"limit":        intProp("Max number of log entries to return (default 50)"),
			}, "project_path"),
			Handler: b.readLogs,
		},
	} {
		set[t.Name] = t
	}
	return set
}

type binding struct {
	ts     *Toolset
	target Target
}

func (b *binding) redact(s string) string {
	if b.ts.Redactor == nil {
		return s
	}
	return b.ts.Redactor.Redact(s)
}

// repo resolves the repository argument against the bound target.
func (b *binding) repo(arg string) (string, error) {
	if arg == "" || strings.EqualFold(arg, b.target.Repo) {
		return b.target.Repo, nil
	}
	return "", fmt.Errorf("tool is scoped to %s, not %s", b.target.Repo, arg)
}

func (b *binding) host() (codehost.Host, error) {
	if b.target.Host == nil {
		return nil, fmt.Errorf("no code host configured for %s", b.target.Repo)
	}
	return b.target.Host, nil
}

type repoArgs struct {
	Repo     string `json:"repo"`
	State    string `json:"state"`
	PerPage  int    `json:"per_page"`
	Limit    int    `json:"limit"`
	PRNumber int    `json:"pr_number"`
	Path     string `json:"path"`
}

func (b *binding) parse(input json.RawMessage) (repoArgs, codehost.Host, string, error) {
	var args repoArgs
	if err := decode(input, &args); err != nil {
		return args, nil, "", err
	}
	repo, err := b.repo(args.Repo)
	if err != nil {
		return args, nil, "", err
	}
	h, err := b.host()
	if err != nil {
		return args, nil, "", err
	}
	return args, h, repo, nil
}

func (b *binding) fetchPRs(ctx context.Context, input json.RawMessage) (string, error) {
	args, h, repo, err := b.parse(input)
	if err != nil {
		return "", err
	}
	perPage := args.PerPage
	if perPage <= 0 {
		perPage = 30
	}
	if perPage > 100 {
		perPage = 100
	}
	prs, err := h.ListChangeRequests(ctx, repo, args.State, perPage)
	if err != nil {
		return "", err
	}
	type summary struct {
		Number    int      `json:"number"`
		Title     string   `json:"title"`
		Author    string   `json:"author"`
		State     string   `json:"state"`
		Comments  int      `json:"comments"`
		Labels    []string `json:"labels"`
		CreatedAt string   `json:"created_at"`
		UpdatedAt string   `json:"updated_at"`
		Merged    bool     `json:"merged"`
	}
	out := make([]summary, 0, len(prs))
	for _, pr := range prs {
		out = append(out, summary{
			Number:    pr.Number,
			Title:     b.redact(pr.Title),
			Author:    pr.Author,
			State:     pr.State,
			Comments:  pr.Comments,
			Labels:    pr.Labels,
			CreatedAt: stamp(pr.CreatedAt),
			UpdatedAt: stamp(pr.UpdatedAt),
			Merged:    pr.Merged,
		})
	}
	return encode(out)
}

func (b *binding) fetchComments(ctx context.Context, input json.RawMessage) (string, error) {
	args, h, repo, err := b.parse(input)
	if err != nil {
		return "", err
	}
	if args.PRNumber <= 0 {
		return "", fmt.Errorf("pr_number is required")
	}
	thread, err := h.Thread(ctx, repo, args.PRNumber)
	if err != nil {
		return "", err
	}
	for i := range thread {
		thread[i].Body = b.redact(thread[i].Body)
		thread[i].DiffHunk = b.redact(thread[i].DiffHunk)
	}
	return encode(thread)
}

func (b *binding) fetchStructure(ctx context.Context, input json.RawMessage) (string, error) {
	_, h, repo, err := b.parse(input)
	if err != nil {
		return "", err
	}
	tree, err := h.Tree(ctx, repo)
	if err != nil {
		return "", err
	}
	truncated := len(tree) > maxTreePaths
	if truncated {
		tree = tree[:maxTreePaths]
	}
	commits, err := h.Commits(ctx, repo, 30)
	if err != nil {
		return "", err
	}
	messages := make([]string, 0, len(commits))
	for _, c := range commits {
		msg, _, _ := strings.Cut(c.Message, "\n")
		messages = append(messages, b.redact(msg))
	}
	return encode(map[string]any{
		"tree":            tree,
		"tree_truncated":  truncated,
		"commit_messages": messages,
	})
}

func (b *binding) fetchDocs(ctx context.Context, input json.RawMessage) (string, error) {
	_, h, repo, err := b.parse(input)
	if err != nil {
		return "", err
	}
	docs, err := h.Docs(ctx, repo)
	if err != nil {
		return "", err
	}
	for p, content := range docs {
		docs[p] = b.redact(truncate(content, maxFileChars))
	}
	return encode(docs)
}

func (b *binding) fetchCIFixes(ctx context.Context, input json.RawMessage) (string, error) {
	args, h, repo, err := b.parse(input)
	if err != nil {
		return "", err
	}
	fixes, err := h.CIFixes(ctx, repo, args.Limit)
	if err != nil {
		return "", err
	}
	for i := range fixes {
		fixes[i].Title = b.redact(fixes[i].Title)
		fixes[i].Body = b.redact(fixes[i].Body)
	}
	return encode(fixes)
}

func (b *binding) fetchCodeSamples(ctx context.Context, input json.RawMessage) (string, error) {
	_, h, repo, err := b.parse(input)
	if err != nil {
		return "", err
	}
	tree, err := h.Tree(ctx, repo)
	if err != nil {
		return "", err
	}
	samples := make(map[string]string)
	for _, p := range SamplePaths(tree) {
		content, err := h.FileContent(ctx, repo, p)
		if err != nil {
			continue
		}
		samples[p] = b.redact(truncate(content, maxSampleChars))
	}
	return encode(samples)
}

// SamplePaths selects the configuration files and CI workflows worth
// reading from a file tree.
func SamplePaths(tree []string) []string {
	var out []string
	for _, p := range tree {
		if len(out) >= maxSamples {
			break
		}
		isWorkflow := strings.HasPrefix(p, ".github/workflows/") &&
			(strings.HasSuffix(p, ".yml") || strings.HasSuffix(p, ".yaml"))
		if isWorkflow || (configFiles[path.Base(p)] && strings.Count(p, "/") <= 1) {
			out = append(out, p)
		}
	}
	return out
}

func (b *binding) fetchRejected(ctx context.Context, input json.RawMessage) (string, error) {
	args, h, repo, err := b.parse(input)
	if err != nil {
		return "", err
	}
	reviews, err := h.RejectedReviews(ctx, repo, args.Limit)
	if err != nil {
		return "", err
	}
	for i := range reviews {
		reviews[i].Body = b.redact(reviews[i].Body)
	}
	return encode(reviews)
}

func (b *binding) fetchFile(ctx context.Context, input json.RawMessage) (string, error) {
	args, h, repo, err := b.parse(input)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(args.Path) == "" {
		return "", fmt.Errorf("path is required")
	}
	content, err := h.FileContent(ctx, repo, args.Path)
	if err != nil {
		return "", err
	}
	return encode(map[string]string{
		"path":    args.Path,
		"content": b.redact(truncate(content, maxFileChars)),
	})
}

type knowledgeArgs struct {
	Query    string `json:"query"`
	Category string `json:"category"`
}

func (b *binding) repoID() *int64 {
	if b.target.RepoID == 0 {
		return nil
	}
	id := b.target.RepoID
	return &id
}

func (b *binding) searchKnowledge(ctx context.Context, input json.RawMessage) (string, error) {
	var args knowledgeArgs
	if err := decode(input, &args); err != nil {
		return "", err
	}
	if b.ts.Store == nil {
		return encode([]rules.Rule{})
	}
	found, err := b.ts.Store.SearchRules(ctx, args.Query, categoryFilter(args.Category), b.repoID())
	if err != nil {
		return "", err
	}
	return encode(nonNil(found))
}

func (b *binding) listKnowledge(ctx context.Context, input json.RawMessage) (string, error) {
	var args knowledgeArgs
	if err := decode(input, &args); err != nil {
		return "", err
	}
	if b.ts.Store == nil {
		return encode([]rules.Rule{})
	}
	all, err := b.ts.Store.ListRules(ctx, store.RuleFilter{Category: categoryFilter(args.Category), RepoID: b.repoID()})
	if err != nil {
		return "", err
	}
	return encode(nonNil(all))
}

func categoryFilter(s string) rules.Category {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return rules.ParseCategory(s)
}

func nonNil(rs []rules.Rule) []rules.Rule {
	if rs == nil {
		return []rules.Rule{}
	}
	return rs
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func decode(input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}

func encode(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding tool output: %w", err)
	}
	return string(data), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
