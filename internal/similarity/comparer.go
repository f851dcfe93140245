package similarity

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/config"
)

const compareSystemPrompt = "You compare software development rules for semantic similarity. " +
	"Respond with ONLY a JSON object, no other text. " +
	`Format: {"match_index": N, "similarity": 0.XX} ` +
	"where match_index is the 0-based index of the best match (-1 if none are similar) " +
	"and similarity is a float from 0.0 to 1.0. " +
	"Two rules are similar if they express the same convention or practice, even if worded differently."

// AgentComparer asks the reasoning agent which candidate states the same
// convention.
type AgentComparer struct {
	Agent agent.Agent
}

// Compare implements Comparer.
func (c *AgentComparer) Compare(ctx context.Context, text string, candidates []string) (Match, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "New rule: %q\n\nExisting proposals:\n", text)
	for i, cand := range candidates {
		b.WriteString(strconv.Itoa(i))
		b.WriteString(": ")
		b.WriteString(cand)
		b.WriteByte('\n')
	}
	b.WriteString("\nWhich existing proposal (if any) is semantically the same as the new rule? " +
		"Return JSON with match_index and similarity.")

	out, err := c.Agent.Run(ctx, agent.Invocation{
		Name:         "semantic-matcher",
		SystemPrompt: compareSystemPrompt,
		Prompt:       b.String(),
		MaxTurns:     1,
	})
	if err != nil {
		return Match{}, err
	}
	m, err := agent.ParseMatch(out)
	if err != nil {
		return Match{}, err
	}
	return Match{Index: m.Index, Similarity: m.Similarity}, nil
}

// EmbeddingComparer ranks candidates by cosine similarity of their
// embeddings using an in-memory chromem collection.
type EmbeddingComparer struct {
	Embed chromem.EmbeddingFunc
}

// NewEmbeddingComparer builds a comparer whose embeddings come from an
// OpenAI-compatible endpoint (OpenAI or TEI) through langchaingo.
func NewEmbeddingComparer(cfg config.AgentConfig, model string) (*EmbeddingComparer, error) {
	apiKey := cfg.APIKey.Value()
	if apiKey == "" {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("embedding comparer requires an API key or a base URL")
		}
		// langchaingo requires a token even for keyless TEI endpoints.
		apiKey = "placeholder"
	}
	opts := []openai.Option{openai.WithToken(apiKey)}
	if model != "" {
		opts = append(opts, openai.WithModel(model), openai.WithEmbeddingModel(model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &EmbeddingComparer{Embed: embedder.EmbedQuery}, nil
}

// Compare implements Comparer. The similarity is the cosine similarity of
// the closest candidate.
func (c *EmbeddingComparer) Compare(ctx context.Context, text string, candidates []string) (Match, error) {
	if len(candidates) == 0 {
		return Match{Index: -1}, nil
	}

	db := chromem.NewDB()
	col, err := db.CreateCollection("candidates", nil, c.Embed)
	if err != nil {
		return Match{}, fmt.Errorf("creating collection: %w", err)
	}
	docs := make([]chromem.Document, len(candidates))
	for i, cand := range candidates {
		docs[i] = chromem.Document{ID: strconv.Itoa(i), Content: cand}
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return Match{}, fmt.Errorf("embedding candidates: %w", err)
	}

	res, err := col.Query(ctx, text, 1, nil, nil)
	if err != nil {
		return Match{}, fmt.Errorf("querying candidates: %w", err)
	}
	if len(res) == 0 {
		return Match{Index: -1}, nil
	}
	idx, err := strconv.Atoi(res[0].ID)
	if err != nil {
		return Match{}, fmt.Errorf("unexpected document id %q", res[0].ID)
	}
	sim := float64(res[0].Similarity)
	if sim < 0 {
		sim = 0
	}
	if sim > 1 {
		sim = 1
	}
	return Match{Index: idx, Similarity: sim}, nil
}

// NewComparer selects the comparer named by cfg.Comparer: "agent",
// "embedding" or "none". A nil Comparer disables the semantic path.
func NewComparer(cfg config.SimilarityConfig, agentCfg config.AgentConfig, a agent.Agent) (Comparer, error) {
	switch cfg.Comparer {
	case "", "agent":
		if a == nil {
			return nil, nil
		}
		return &AgentComparer{Agent: a}, nil
	case "embedding":
		return NewEmbeddingComparer(agentCfg, cfg.EmbeddingModel)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown similarity comparer %q", cfg.Comparer)
	}
}
