package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/tacit/internal/config"
)

func echoTool(calls *int32) Tool {
	return Tool{
		Name:        "github_fetch_prs",
		Description: "List pull requests",
		Handler: func(_ context.Context, input json.RawMessage) (string, error) {
			atomic.AddInt32(calls, 1)
			var args struct {
				Repo string `json:"repo"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", err
			}
			return `[{"number": 7, "repo": "` + args.Repo + `"}]`, nil
		},
	}
}

func newTestAnthropic(t *testing.T, url string) *AnthropicAgent {
	t.Helper()
	a, err := NewAnthropicAgent(config.AgentConfig{APIKey: "sk-test", BaseURL: url})
	require.NoError(t, err)
	a.limiter = rate.NewLimiter(rate.Inf, 1)
	a.backoff = time.Millisecond
	return a
}

func TestNew_SelectsProvider(t *testing.T) {
	a, err := New(config.AgentConfig{Provider: "noop"})
	require.NoError(t, err)
	assert.IsType(t, NoopAgent{}, a)

	_, err = New(config.AgentConfig{Provider: "anthropic"})
	assert.Error(t, err, "api key is required")

	_, err = New(config.AgentConfig{Provider: "oracle"})
	assert.Error(t, err)
}

func TestAnthropicAgent_ToolLoop(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-test", r.Header.Get("X-API-Key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("Anthropic-Version"))

		var req anthropicRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		switch atomic.AddInt32(&requests, 1) {
		case 1:
			assert.Equal(t, "scanner system", req.System)
			if assert.Len(t, req.Tools, 1) {
				assert.Equal(t, "github_fetch_prs", req.Tools[0].Name)
			}
			_ = json.NewEncoder(w).Encode(anthropicResponse{
				StopReason: "tool_use",
				Content: []contentBlock{
					{Type: "text", Text: "Looking at PRs."},
					{Type: "tool_use", ID: "tu_1", Name: "github_fetch_prs", Input: json.RawMessage(`{"repo":"acme/api"}`)},
				},
			})
		default:
			if assert.Len(t, req.Messages, 3) && assert.NotEmpty(t, req.Messages[2].Content) {
				result := req.Messages[2].Content[0]
				assert.Equal(t, "tool_result", result.Type)
				assert.Equal(t, "tu_1", result.ToolUseID)
				assert.Contains(t, result.Content, "acme/api")
			}
			_ = json.NewEncoder(w).Encode(anthropicResponse{
				StopReason: "end_turn",
				Content:    []contentBlock{{Type: "text", Text: "[7]"}},
			})
		}
	}))
	defer srv.Close()

	var toolCalls int32
	out, err := newTestAnthropic(t, srv.URL).Run(context.Background(), Invocation{
		Name:         "scanner",
		SystemPrompt: "scanner system",
		Prompt:       "find PRs",
		Tools:        []Tool{echoTool(&toolCalls)},
		MaxTurns:     5,
	})
	require.NoError(t, err)
	assert.Equal(t, "Looking at PRs.\n[7]", out)
	assert.Equal(t, int32(1), toolCalls)
	assert.Equal(t, int32(2), requests)
}

func TestAnthropicAgent_MaxTurnsBoundsLoop(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			StopReason: "tool_use",
			Content:    []contentBlock{{Type: "tool_use", ID: "x", Name: "missing_tool", Input: json.RawMessage(`{}`)}},
		})
	}))
	defer srv.Close()

	out, err := newTestAnthropic(t, srv.URL).Run(context.Background(), Invocation{Prompt: "loop", MaxTurns: 3})
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, int32(3), requests)
}

func TestAnthropicAgent_RetriesServerErrors(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(anthropicResponse{Content: []contentBlock{{Type: "text", Text: "ok"}}})
	}))
	defer srv.Close()

	out, err := newTestAnthropic(t, srv.URL).Run(context.Background(), Invocation{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), requests)
}

func TestAnthropicAgent_ClientErrorNotRetried(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`))
	}))
	defer srv.Close()

	_, err := newTestAnthropic(t, srv.URL).Run(context.Background(), Invocation{Name: "docs", Prompt: "hi"})
	require.Error(t, err)

	var ce *CollaboratorError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "agent docs", ce.Op)
	assert.Contains(t, err.Error(), "bad model")
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), requests)
}

// scriptedModel replays canned responses and records the messages it saw.
type scriptedModel struct {
	responses []*llms.ContentResponse
	seen      [][]llms.MessageContent
}

func (m *scriptedModel) GenerateContent(_ context.Context, msgs []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.seen = append(m.seen, msgs)
	if len(m.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *scriptedModel) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, opts...)
}

func TestLangChainAgent_ToolLoop(t *testing.T) {
	model := &scriptedModel{responses: []*llms.ContentResponse{
		{Choices: []*llms.ContentChoice{{
			ToolCalls: []llms.ToolCall{{
				ID:           "call_1",
				Type:         "function",
				FunctionCall: &llms.FunctionCall{Name: "github_fetch_prs", Arguments: `{"repo":"acme/web"}`},
			}},
		}}},
		{Choices: []*llms.ContentChoice{{Content: `[{"pr_number": 7}]`}}},
	}}

	var toolCalls int32
	out, err := NewLangChainAgent(model, 0, 4).Run(context.Background(), Invocation{
		SystemPrompt: "sys",
		Prompt:       "scan",
		Tools:        []Tool{echoTool(&toolCalls)},
	})
	require.NoError(t, err)
	assert.Equal(t, `[{"pr_number": 7}]`, out)
	assert.Equal(t, int32(1), toolCalls)

	require.Len(t, model.seen, 2)
	second := model.seen[1]
	require.Len(t, second, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, second[0].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, second[2].Role)
	assert.Equal(t, llms.ChatMessageTypeTool, second[3].Role)
	resp, ok := second[3].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, "call_1", resp.ToolCallID)
	assert.Contains(t, resp.Content, "acme/web")
}

func TestLangChainAgent_ModelError(t *testing.T) {
	_, err := NewLangChainAgent(&scriptedModel{}, 0, 1).Run(context.Background(), Invocation{Name: "ci", Prompt: "x"})
	var ce *CollaboratorError
	assert.ErrorAs(t, err, &ce)
}

func TestFuncAndNoop(t *testing.T) {
	out, err := NoopAgent{}.Run(context.Background(), Invocation{})
	require.NoError(t, err)
	assert.Empty(t, out)

	f := Func(func(_ context.Context, inv Invocation) (string, error) { return inv.Name, nil })
	out, err = f.Run(context.Background(), Invocation{Name: "named"})
	require.NoError(t, err)
	assert.Equal(t, "named", out)
}
