// Package onboarding writes onboarding guides for new team members from
// the rule base. The agent drafts the guide when one is configured; the
// tiered template is used when it is not, or when it fails.
package onboarding

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

const (
	// CriticalConfidence and CriticalFeedback admit a rule to the first tier.
	CriticalConfidence = 0.9
	CriticalFeedback   = 3

	// ImportantConfidence admits a rule to the second tier.
	ImportantConfidence = 0.7

	footer = "---\n*Generated by Tacit from team knowledge rules.*\n"
)

const systemPrompt = `You write onboarding guides for developers joining a software team. Organize the team's rules into
three tiers: "Critical" for rules with confidence of at least 0.9 or strong reviewer feedback, "Important" for
confidence of at least 0.7, and "Good to Know" for the rest. Group rules by category inside each tier, keep the
wording actionable and address the reader directly. Return ONLY the Markdown guide.`

// Request describes the guide to write.
type Request struct {
	DeveloperName   string           `json:"developer_name"`
	Role            string           `json:"role"`
	RepoIDs         []int64          `json:"repo_ids"`
	FocusCategories []rules.Category `json:"focus_categories"`
}

// Guide is a generated onboarding document.
type Guide struct {
	DeveloperName string `json:"developer_name"`
	Role          string `json:"role"`
	Content       string `json:"content"`
	RuleCount     int    `json:"rule_count"`
}

// Generator writes guides. A nil Agent always uses the template.
type Generator struct {
	Agent  agent.Agent
	Logger *zap.Logger
}

func (g *Generator) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

// Generate writes a guide for req from rs. Rules outside req's
// repositories and focus categories are ignored.
func (g *Generator) Generate(ctx context.Context, req Request, rs []rules.Rule) (Guide, error) {
	req.DeveloperName = strings.TrimSpace(req.DeveloperName)
	if req.DeveloperName == "" {
		return Guide{}, fmt.Errorf("%w: developer_name is required", rules.ErrValidation)
	}
	if strings.TrimSpace(req.Role) == "" {
		req.Role = "developer"
	}

	selected := Select(rs, req)
	guide := Guide{DeveloperName: req.DeveloperName, Role: req.Role, RuleCount: len(selected)}
	if len(selected) == 0 {
		guide.Content = fmt.Sprintf("# Onboarding Guide for %s\n\n"+
			"No knowledge rules found for the specified repositories. Run an extraction first.\n", req.DeveloperName)
		return guide, nil
	}

	if g.Agent != nil {
		out, err := g.Agent.Run(ctx, agent.Invocation{
			Name:         "onboarding",
			SystemPrompt: systemPrompt,
			Prompt:       prompt(req, selected),
			MaxTurns:     1,
		})
		switch {
		case err != nil:
			g.logger().Warn("onboarding agent failed, using template",
				zap.String("developer", req.DeveloperName), zap.Error(err))
		case strings.TrimSpace(out) != "":
			guide.Content = strings.TrimSpace(out) + "\n"
			return guide, nil
		}
	}
	guide.Content = Template(req, selected)
	return guide, nil
}

// Select filters rs to req's repositories and focus categories and orders
// the result by confidence, highest first. Empty filters match everything.
func Select(rs []rules.Rule, req Request) []rules.Rule {
	repos := make(map[int64]bool, len(req.RepoIDs))
	for _, id := range req.RepoIDs {
		repos[id] = true
	}
	focus := make(map[rules.Category]bool, len(req.FocusCategories))
	for _, c := range req.FocusCategories {
		focus[rules.ParseCategory(string(c))] = true
	}

	out := make([]rules.Rule, 0, len(rs))
	for _, r := range rs {
		if len(repos) > 0 && (r.RepoID == nil || !repos[*r.RepoID]) {
			continue
		}
		if len(focus) > 0 && !focus[r.Category] {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

func prompt(req Request, rs []rules.Rule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write an onboarding guide for %s, joining as %s.\n\nTeam rules:\n", req.DeveloperName, req.Role)
	for _, r := range rs {
		fmt.Fprintf(&b, "- [%s] (confidence %.0f%%, feedback %+d) %s\n", r.Category, r.Confidence*100, r.FeedbackScore, r.Text)
	}
	return b.String()
}

type tier struct {
	title string
	rules []rules.Rule
}

// Template renders the guide without the agent. rs must already be
// ordered by confidence.
func Template(req Request, rs []rules.Rule) string {
	tiers := []tier{
		{title: "Critical: You Must Know These"},
		{title: "Important: Your Team Expects These"},
		{title: "Good to Know: Context for Later"},
	}
	for _, r := range rs {
		switch {
		case r.Confidence >= CriticalConfidence || r.FeedbackScore >= CriticalFeedback:
			tiers[0].rules = append(tiers[0].rules, r)
		case r.Confidence >= ImportantConfidence:
			tiers[1].rules = append(tiers[1].rules, r)
		default:
			tiers[2].rules = append(tiers[2].rules, r)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Onboarding Guide for %s\n\n", req.DeveloperName)
	fmt.Fprintf(&b, "**Role:** %s\n\n", req.Role)
	fmt.Fprintf(&b, "Welcome to the team. These %d conventions were learned from code review, documentation and CI history.\n\n", len(rs))

	for _, t := range tiers {
		if len(t.rules) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n", t.title)
		var order []rules.Category
		byCategory := make(map[rules.Category][]rules.Rule)
		for _, r := range t.rules {
			if _, seen := byCategory[r.Category]; !seen {
				order = append(order, r.Category)
			}
			byCategory[r.Category] = append(byCategory[r.Category], r)
		}
		for _, c := range order {
			fmt.Fprintf(&b, "### %s\n\n", title(c))
			for _, r := range byCategory[c] {
				fmt.Fprintf(&b, "- %s *(confidence: %.0f%%)*\n", r.Text, r.Confidence*100)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString(footer)
	return b.String()
}

func title(c rules.Category) string {
	s := string(c)
	if s == "" {
		return "General"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
