package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/tools"
)

// Target is the repository a run extracts from.
type Target = tools.Target

// Analyzer extracts candidate rules from one source of a repository.
type Analyzer interface {
	// Name is the human-readable label used in progress events.
	Name() string
	SourceType() rules.SourceType
	Analyze(ctx context.Context, target Target) ([]rules.Candidate, error)
}

// ItemAnalyzer extracts candidate rules from one change request.
type ItemAnalyzer interface {
	AnalyzeItem(ctx context.Context, target Target, number int) ([]rules.Candidate, error)
}

// Scanner picks the change requests worth analyzing.
type Scanner interface {
	Scan(ctx context.Context, target Target, limit int) ([]int, error)
}

// LocalAnalyzer extracts candidate rules from local conversation logs.
type LocalAnalyzer interface {
	AnalyzeLocal(ctx context.Context, projectPath string) ([]rules.Candidate, error)
}

// AgentAnalyzer runs the reasoning agent with a fixed prompt and tool
// selection and parses its reply into candidates.
type AgentAnalyzer struct {
	Label        string
	AgentName    string
	Source       rules.SourceType
	SystemPrompt string
	Task         func(t Target) string
	Tools        []string
	MaxTurns     int

	Agent   agent.Agent
	Toolset *tools.Toolset
	Logger  *zap.Logger
}

// Name implements Analyzer.
func (a *AgentAnalyzer) Name() string { return a.Label }

// SourceType implements Analyzer.
func (a *AgentAnalyzer) SourceType() rules.SourceType { return a.Source }

// Analyze implements Analyzer.
func (a *AgentAnalyzer) Analyze(ctx context.Context, target Target) ([]rules.Candidate, error) {
	return runForRules(ctx, a.Agent, a.Logger, agent.Invocation{
		Name:         a.AgentName,
		SystemPrompt: a.SystemPrompt,
		Prompt:       a.Task(target),
		Tools:        a.Toolset.For(target).Select(a.Tools...),
		MaxTurns:     a.MaxTurns,
	})
}

func runForRules(ctx context.Context, a agent.Agent, logger *zap.Logger, inv agent.Invocation) ([]rules.Candidate, error) {
	out, err := a.Run(ctx, inv)
	if err != nil {
		return nil, err
	}
	parsed, err := agent.ParseRules(out)
	if err != nil {
		return nil, err
	}
	if len(parsed.Rejected) > 0 && logger != nil {
		logger.Debug("dropped invalid rules from agent reply",
			zap.String("agent", inv.Name),
			zap.Int("rejected", len(parsed.Rejected)),
			zap.Int("accepted", len(parsed.Rules)),
		)
	}
	return parsed.Rules, nil
}

// DefaultAnalyzers returns the Phase-1 analyzers in declaration order.
func DefaultAnalyzers(a agent.Agent, ts *tools.Toolset, logger *zap.Logger) []Analyzer {
	mk := func(label, name string, source rules.SourceType, prompt string, task string, toolNames ...string) Analyzer {
		return &AgentAnalyzer{
			Label:        label,
			AgentName:    name,
			Source:       source,
			SystemPrompt: prompt,
			Task:         func(t Target) string { return fmt.Sprintf(task, t.Repo) },
			Tools:        toolNames,
			Agent:        a,
			Toolset:      ts,
			Logger:       logger,
		}
	}
	return []Analyzer{
		mk("Structural analysis", "structural-analyzer", rules.SourceStructure, structurePrompt,
			"Analyze the structure of repository '%s'. Extract conventions from the file tree and commit messages.",
			tools.FetchRepoStructure, tools.SearchKnowledge),
		mk("Docs analysis", "docs-analyzer", rules.SourceDocs, docsPrompt,
			"Analyze the contributing documentation of repository '%s'. Extract conventions from CONTRIBUTING, README and assistant instruction files.",
			tools.FetchDocs, tools.SearchKnowledge),
		mk("CI failure mining", "ci-failure-miner", rules.SourceCIFix, ciFixPrompt,
			"Mine CI failure-to-fix patterns from repository '%s'. For each fixed failure, extract the implicit convention.",
			tools.FetchCIFixes, tools.SearchKnowledge),
		mk("Code analysis", "code-analyzer", rules.SourceConfig, codePrompt,
			"Analyze configuration files of repository '%s'. Extract conventions from test, lint, CI and package configs.",
			tools.FetchCodeSamples, tools.FetchFileContent, tools.SearchKnowledge),
		mk("Anti-pattern mining", "anti-pattern-miner", rules.SourceAntiPattern, antiPatternPrompt,
			"Mine rejected review feedback from repository '%s'. Extract the approaches reviewers keep rejecting.",
			tools.FetchRejectedPatterns, tools.SearchKnowledge, tools.ListAllKnowledge),
		mk("Domain analysis", "domain-analyzer", rules.SourceDomain, domainPrompt,
			"Discover the domain, product and design knowledge of repository '%s' from its docs, ADRs and API specs.",
			tools.FetchDocs, tools.FetchRepoStructure, tools.FetchFileContent, tools.SearchKnowledge),
	}
}

// AgentScanner selects change requests by asking the agent.
type AgentScanner struct {
	Agent   agent.Agent
	Toolset *tools.Toolset
}

// Scan implements Scanner. Parse and collaborator errors are returned as
// is; the orchestrator decides on the fallback.
func (s *AgentScanner) Scan(ctx context.Context, target Target, limit int) ([]int, error) {
	out, err := s.Agent.Run(ctx, agent.Invocation{
		Name:         "pr-scanner",
		SystemPrompt: scannerPrompt,
		Prompt: fmt.Sprintf("Scan the GitHub repository '%s' for knowledge-rich pull requests. "+
			"Use github_fetch_prs with per_page=50. Return the top %d most promising PRs as JSON.", target.Repo, limit),
		Tools: s.Toolset.For(target).Select(tools.FetchPRs),
	})
	if err != nil {
		return nil, err
	}
	return agent.ParseItemNumbers(out)
}

// ThreadAnalyzer extracts rules from one pull request discussion.
type ThreadAnalyzer struct {
	Agent   agent.Agent
	Toolset *tools.Toolset
	Logger  *zap.Logger
}

// AnalyzeItem implements ItemAnalyzer.
func (a *ThreadAnalyzer) AnalyzeItem(ctx context.Context, target Target, number int) ([]rules.Candidate, error) {
	return runForRules(ctx, a.Agent, a.Logger, agent.Invocation{
		Name:         "thread-analyzer",
		SystemPrompt: threadPrompt,
		Prompt: fmt.Sprintf("Analyze PR #%d in repository '%s'. Use github_fetch_comments with pr_number=%d "+
			"and extract the knowledge rules the discussion establishes.", number, target.Repo, number),
		Tools: a.Toolset.For(target).Select(tools.FetchComments, tools.FetchFileContent, tools.SearchKnowledge),
	})
}

// LocalExtractor extracts rules from coding-assistant conversation logs.
type LocalExtractor struct {
	Agent   agent.Agent
	Toolset *tools.Toolset
	Logger  *zap.Logger
}

// AnalyzeLocal implements LocalAnalyzer.
func (l *LocalExtractor) AnalyzeLocal(ctx context.Context, projectPath string) ([]rules.Candidate, error) {
	return runForRules(ctx, l.Agent, l.Logger, agent.Invocation{
		Name:         "local-extractor",
		SystemPrompt: localPrompt,
		Prompt: fmt.Sprintf("Extract knowledge rules from the conversation logs of the project at '%s'. "+
			"Use read_conversation_logs with project_path=%q.", projectPath, projectPath),
		Tools: l.Toolset.For(Target{}).Select(tools.ReadConversationLogs, tools.SearchKnowledge),
	})
}
