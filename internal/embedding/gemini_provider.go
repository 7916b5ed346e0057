package embedding

import (
	"context"
	"fmt"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/cascadehq/auditengine/internal/llm"
)

// geminiEmbedAPI is the narrow surface this package needs from the genai
// SDK's embedding model, mirroring internal/gemini's client seam.
type geminiEmbedAPI interface {
	embedOne(ctx context.Context, text string) ([]float32, error)
}

type realGeminiEmbedAPI struct {
	model *genai.EmbeddingModel
}

func (a *realGeminiEmbedAPI) embedOne(ctx context.Context, text string) ([]float32, error) {
	resp, err := a.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, llm.Wrap(err, "gemini", "embed content", llm.DetectErrorCategory(err, 0))
	}
	if resp.Embedding == nil {
		return nil, llm.Wrap(fmt.Errorf("no embedding returned"), "gemini", "embed content", llm.CategoryServer)
	}
	return resp.Embedding.Values, nil
}

type geminiProvider struct {
	api       geminiEmbedAPI
	model     string
	dimension int
}

func newGeminiProvider(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding: gemini provider requires an API key")
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-004"
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("embedding: create gemini client: %w", err)
	}

	return &geminiProvider{
		api:       &realGeminiEmbedAPI{model: client.EmbeddingModel(model)},
		model:     model,
		dimension: cfg.Dimension,
	}, nil
}

// Embed issues one EmbedContent call per text; the genai SDK's batch
// embedding request type is not worth the added surface for the audit
// engine's call volumes (per-function, not per-token).
func (p *geminiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.api.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *geminiProvider) Dimensions() int {
	return p.dimension
}

func (p *geminiProvider) Name() string {
	return "gemini:" + p.model
}
