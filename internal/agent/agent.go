// Package agent provides the reasoning collaborator used by extraction.
//
// An Agent receives a system prompt, a task prompt and a set of tools it
// may call. It runs a bounded tool-use loop and returns the concatenated
// text of its replies. Callers never trust that text directly: the parse
// boundary in parse.go turns it into typed values or a *ParseError.
//
// Implementations:
//   - AnthropicAgent speaks the Messages API over HTTP
//   - LangChainAgent drives any langchaingo llms.Model (OpenAI by default)
//   - NoopAgent returns an empty reply
//   - Func adapts a plain function, for tests
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/tacit/internal/config"
)

// Tool is a function the agent may invoke during a run.
type Tool struct {
	Name        string
	Description string

	// InputSchema is the JSON Schema of the tool's arguments.
	InputSchema map[string]any

	// Handler executes the tool. The returned string is sent back to the
	// agent verbatim; errors are reported to the agent as tool errors and
	// do not abort the run.
	Handler func(ctx context.Context, input json.RawMessage) (string, error)
}

// Invocation describes one agent run.
type Invocation struct {
	// Name identifies the invocation in logs and errors.
	Name         string
	SystemPrompt string
	Prompt       string
	Tools        []Tool

	// MaxTurns bounds the number of model round trips.
	MaxTurns int
}

// Agent is the reasoning collaborator.
type Agent interface {
	Run(ctx context.Context, inv Invocation) (string, error)
}

// Func adapts an ordinary function to Agent.
type Func func(ctx context.Context, inv Invocation) (string, error)

// Run calls f.
func (f Func) Run(ctx context.Context, inv Invocation) (string, error) {
	return f(ctx, inv)
}

// NoopAgent never calls a model and always returns an empty reply.
type NoopAgent struct{}

// Run returns "".
func (NoopAgent) Run(context.Context, Invocation) (string, error) { return "", nil }

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-sonnet-4-20250514"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultMaxTokens        = 4096
	defaultTimeout          = 120 * time.Second
	defaultMaxTurns         = 20
	defaultMaxRetries       = 3
	defaultBaseBackoff      = 1 * time.Second
)

// Rate limiter defaults: 50 requests per minute.
const (
	defaultRateLimit = 50.0 / 60.0
	defaultBurst     = 5
)

// New builds the agent selected by cfg.Provider.
func New(cfg config.AgentConfig) (Agent, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicAgent(cfg)
	case "openai":
		return NewOpenAIAgent(cfg)
	case "", "noop":
		return NoopAgent{}, nil
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.Provider)
	}
}

func maxTurns(inv Invocation, fallback int) int {
	if inv.MaxTurns > 0 {
		return inv.MaxTurns
	}
	if fallback > 0 {
		return fallback
	}
	return defaultMaxTurns
}

func toolIndex(tools []Tool) map[string]Tool {
	idx := make(map[string]Tool, len(tools))
	for _, t := range tools {
		idx[t.Name] = t
	}
	return idx
}

// callTool runs the named tool. Failures come back as text plus an error
// flag for the model, never as a Go error.
func callTool(ctx context.Context, tools map[string]Tool, name string, input json.RawMessage) (string, bool) {
	t, ok := tools[name]
	if !ok || t.Handler == nil {
		return fmt.Sprintf("unknown tool %q", name), true
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	out, err := t.Handler(ctx, input)
	if err != nil {
		return "error: " + err.Error(), true
	}
	return out, false
}

func schemaOrEmpty(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}
