package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/tacit/internal/config"
)

// LangChainAgent runs invocations against any langchaingo model that
// supports tool calling.
type LangChainAgent struct {
	model     llms.Model
	maxTokens int
	maxTurns  int
}

// NewLangChainAgent wraps an existing model.
func NewLangChainAgent(model llms.Model, maxTokens, maxTurns int) *LangChainAgent {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &LangChainAgent{model: model, maxTokens: maxTokens, maxTurns: maxTurns}
}

// NewOpenAIAgent builds a LangChainAgent backed by an OpenAI-compatible
// chat endpoint.
func NewOpenAIAgent(cfg config.AgentConfig) (*LangChainAgent, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("openai API key required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey.Value()),
		openai.WithModel(model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return NewLangChainAgent(llm, cfg.MaxTokens, cfg.MaxTurns), nil
}

// Run executes the tool-use loop through llms.WithTools.
func (l *LangChainAgent) Run(ctx context.Context, inv Invocation) (string, error) {
	tools := toolIndex(inv.Tools)

	var messages []llms.MessageContent
	if inv.SystemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, inv.SystemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, inv.Prompt))

	opts := []llms.CallOption{llms.WithMaxTokens(l.maxTokens)}
	if len(inv.Tools) > 0 {
		defs := make([]llms.Tool, 0, len(inv.Tools))
		for _, t := range inv.Tools {
			defs = append(defs, llms.Tool{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  schemaOrEmpty(t.InputSchema),
				},
			})
		}
		opts = append(opts, llms.WithTools(defs))
	}

	var text []string
	turns := maxTurns(inv, l.maxTurns)
	for turn := 0; turn < turns; turn++ {
		resp, err := l.model.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return strings.Join(text, "\n"), &CollaboratorError{Op: "agent " + inv.Name, Err: err}
		}
		if len(resp.Choices) == 0 {
			break
		}
		choice := resp.Choices[0]
		if choice.Content != "" {
			text = append(text, choice.Content)
		}
		if len(choice.ToolCalls) == 0 {
			break
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistant.Parts = append(assistant.Parts, llms.TextContent{Text: choice.Content})
		}
		var results []llms.MessageContent
		for _, call := range choice.ToolCalls {
			if call.FunctionCall == nil {
				continue
			}
			assistant.Parts = append(assistant.Parts, call)
			out, _ := callTool(ctx, tools, call.FunctionCall.Name, json.RawMessage(call.FunctionCall.Arguments))
			results = append(results, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: call.ID,
					Name:       call.FunctionCall.Name,
					Content:    out,
				}},
			})
		}
		messages = append(messages, assistant)
		messages = append(messages, results...)
	}
	return strings.Join(text, "\n"), nil
}
