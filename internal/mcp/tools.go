package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/proposals"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_knowledge",
		Description: "Search team conventions by substring. Use before writing code to check how this team does things.",
	}, instrument(s, "search_knowledge", s.searchKnowledge))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_knowledge",
		Description: "List team conventions, highest confidence first, optionally filtered by category, repository and minimum confidence.",
	}, instrument(s, "list_knowledge", s.listKnowledge))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "rule_trail",
		Description: "Show a rule and the decision trail explaining where it came from and how its confidence changed.",
	}, instrument(s, "rule_trail", s.ruleTrail))

	if s.contributor == nil {
		s.logger.Warn("no contributor configured, skipping contribute_rule")
		return
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "contribute_rule",
		Description: "Propose a convention you observed. Restatements of a pending proposal are merged into it and raise its confidence.",
	}, instrument(s, "contribute_rule", s.contributeRule))
}

// instrument records metrics and logs for a tool handler.
func instrument[In, Out any](s *Server, name string, h mcp.ToolHandlerFor[In, Out]) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, Out, error) {
		s.metrics.IncrementActive(ctx, name)
		defer s.metrics.DecrementActive(ctx, name)

		start := time.Now()
		res, out, err := h(ctx, req, in)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)
		if err != nil {
			s.logger.Debug("tool call failed",
				zap.String("tool", name),
				zap.String("session_id", s.sessionID),
				zap.Error(err))
		}
		return res, out, err
	}
}

type ruleView struct {
	ID              int64    `json:"id"`
	Text            string   `json:"rule_text"`
	Category        string   `json:"category"`
	Confidence      float64  `json:"confidence"`
	SourceType      string   `json:"source_type"`
	SourceRef       string   `json:"source_ref,omitempty"`
	ProvenanceURL   string   `json:"provenance_url,omitempty"`
	ApplicablePaths []string `json:"applicable_paths,omitempty"`
}

func viewRule(r rules.Rule) ruleView {
	return ruleView{
		ID:              r.ID,
		Text:            r.Text,
		Category:        string(r.Category),
		Confidence:      r.Confidence,
		SourceType:      string(r.SourceType),
		SourceRef:       r.SourceRef,
		ProvenanceURL:   r.ProvenanceURL,
		ApplicablePaths: r.ApplicablePaths,
	}
}

func viewRules(rs []rules.Rule) []ruleView {
	out := make([]ruleView, 0, len(rs))
	for _, r := range rs {
		out = append(out, viewRule(r))
	}
	return out
}

// repoID resolves an optional owner/name to a repository id.
func (s *Server) repoID(ctx context.Context, repo string) (*int64, error) {
	repo = strings.TrimSpace(repo)
	if repo == "" {
		return nil, nil
	}
	r, err := s.store.FindRepository(ctx, repo)
	if err != nil {
		return nil, err
	}
	return &r.ID, nil
}

// ===== search_knowledge =====

type searchInput struct {
	Query    string `json:"query" jsonschema:"Substring to look for in rule text"`
	Category string `json:"category,omitempty" jsonschema:"Restrict to one category, e.g. testing or security"`
	Repo     string `json:"repo,omitempty" jsonschema:"Restrict to one repository (owner/name)"`
}

type rulesOutput struct {
	Rules []ruleView `json:"rules" jsonschema:"Matching rules"`
	Count int        `json:"count" jsonschema:"Number of rules returned"`
}

func (s *Server) searchKnowledge(ctx context.Context, _ *mcp.CallToolRequest, args searchInput) (*mcp.CallToolResult, rulesOutput, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, rulesOutput{}, fmt.Errorf("query is required")
	}
	id, err := s.repoID(ctx, args.Repo)
	if err != nil {
		return nil, rulesOutput{}, err
	}
	found, err := s.store.ListRules(ctx, store.RuleFilter{
		Query:    args.Query,
		Category: category(args.Category),
		RepoID:   id,
	})
	if err != nil {
		return nil, rulesOutput{}, err
	}
	out := rulesOutput{Rules: viewRules(found), Count: len(found)}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: summarize(out.Rules)}},
	}, out, nil
}

// ===== list_knowledge =====

type listInput struct {
	Category      string  `json:"category,omitempty" jsonschema:"Restrict to one category"`
	Repo          string  `json:"repo,omitempty" jsonschema:"Restrict to one repository (owner/name)"`
	MinConfidence float64 `json:"min_confidence,omitempty" jsonschema:"Lowest confidence to include (0.0 - 1.0)"`
	Limit         int     `json:"limit,omitempty" jsonschema:"Maximum rules to return (default: 50)"`
}

func (s *Server) listKnowledge(ctx context.Context, _ *mcp.CallToolRequest, args listInput) (*mcp.CallToolResult, rulesOutput, error) {
	if err := rules.ValidateConfidence(args.MinConfidence); err != nil {
		return nil, rulesOutput{}, err
	}
	id, err := s.repoID(ctx, args.Repo)
	if err != nil {
		return nil, rulesOutput{}, err
	}
	limit := args.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	found, err := s.store.ListRules(ctx, store.RuleFilter{
		Category:      category(args.Category),
		RepoID:        id,
		MinConfidence: args.MinConfidence,
		Limit:         limit,
	})
	if err != nil {
		return nil, rulesOutput{}, err
	}
	out := rulesOutput{Rules: viewRules(found), Count: len(found)}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: summarize(out.Rules)}},
	}, out, nil
}

// ===== rule_trail =====

type trailInput struct {
	RuleID int64 `json:"rule_id" jsonschema:"Rule identifier"`
}

type trailEntryView struct {
	EventType   string `json:"event_type"`
	Description string `json:"description"`
	SourceRef   string `json:"source_ref,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type trailOutput struct {
	Rule  ruleView         `json:"rule" jsonschema:"The rule"`
	Trail []trailEntryView `json:"trail" jsonschema:"Decision trail, oldest first"`
}

func (s *Server) ruleTrail(ctx context.Context, _ *mcp.CallToolRequest, args trailInput) (*mcp.CallToolResult, trailOutput, error) {
	if args.RuleID <= 0 {
		return nil, trailOutput{}, fmt.Errorf("rule_id is required")
	}
	r, err := s.store.GetRule(ctx, args.RuleID)
	if err != nil {
		return nil, trailOutput{}, err
	}
	entries, err := s.store.ListTrail(ctx, args.RuleID)
	if err != nil {
		return nil, trailOutput{}, err
	}

	out := trailOutput{Rule: viewRule(*r), Trail: make([]trailEntryView, 0, len(entries))}
	var b strings.Builder
	fmt.Fprintf(&b, "%s (confidence %.2f)\n", r.Text, r.Confidence)
	for _, e := range entries {
		ts := e.Timestamp.UTC().Format(time.RFC3339)
		out.Trail = append(out.Trail, trailEntryView{
			EventType:   string(e.EventType),
			Description: e.Description,
			SourceRef:   e.SourceRef,
			Timestamp:   ts,
		})
		fmt.Fprintf(&b, "- %s %s: %s\n", ts, e.EventType, e.Description)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: b.String()}},
	}, out, nil
}

// ===== contribute_rule =====

type contributeInput struct {
	RuleText      string  `json:"rule_text" jsonschema:"The convention, phrased as an instruction"`
	Category      string  `json:"category,omitempty" jsonschema:"Category (default: general)"`
	Confidence    float64 `json:"confidence" jsonschema:"How sure you are (0.0 - 1.0)"`
	Contributor   string  `json:"contributor" jsonschema:"Name of the contributing person or agent"`
	SourceExcerpt string  `json:"source_excerpt,omitempty" jsonschema:"Evidence for the convention"`
	Repo          string  `json:"repo,omitempty" jsonschema:"Repository the convention applies to (owner/name)"`
}

type contributeOutput struct {
	Action           string  `json:"action" jsonschema:"merged or created"`
	ProposalID       int64   `json:"proposal_id" jsonschema:"Proposal that holds the contribution"`
	Confidence       float64 `json:"confidence" jsonschema:"Proposal confidence after the contribution"`
	ContributorCount int     `json:"contributor_count" jsonschema:"Distinct contributors of the proposal"`
	Similarity       float64 `json:"similarity,omitempty" jsonschema:"Similarity to the merged proposal"`
	Method           string  `json:"method" jsonschema:"How the match was decided"`
}

func (s *Server) contributeRule(ctx context.Context, _ *mcp.CallToolRequest, args contributeInput) (*mcp.CallToolResult, contributeOutput, error) {
	if strings.TrimSpace(args.Contributor) == "" {
		return nil, contributeOutput{}, fmt.Errorf("contributor is required")
	}
	id, err := s.repoID(ctx, args.Repo)
	if err != nil {
		return nil, contributeOutput{}, err
	}
	res, err := s.contributor.Contribute(ctx, proposals.Contribution{
		ContributorName: args.Contributor,
		Text:            args.RuleText,
		Category:        rules.ParseCategory(args.Category),
		Confidence:      args.Confidence,
		SourceExcerpt:   args.SourceExcerpt,
		RepoID:          id,
	})
	if err != nil {
		return nil, contributeOutput{}, err
	}

	out := contributeOutput{
		Action:           string(res.Action),
		ProposalID:       res.Proposal.ID,
		Confidence:       res.Proposal.Confidence,
		ContributorCount: res.Proposal.ContributorCount,
		Similarity:       res.Similarity,
		Method:           string(res.Method),
	}
	s.logger.Info("rule contributed",
		zap.String("session_id", s.sessionID),
		zap.String("action", out.Action),
		zap.Int64("proposal_id", out.ProposalID))
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{
			Text: fmt.Sprintf("Contribution %s proposal %d (confidence %.2f, %d contributors)",
				out.Action, out.ProposalID, out.Confidence, out.ContributorCount),
		}},
	}, out, nil
}

func category(s string) rules.Category {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return rules.ParseCategory(s)
}

func summarize(rs []ruleView) string {
	if len(rs) == 0 {
		return "No matching rules."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d rules\n", len(rs))
	for _, r := range rs {
		fmt.Fprintf(&b, "- [%s %.2f] %s\n", r.Category, r.Confidence, r.Text)
	}
	return b.String()
}
