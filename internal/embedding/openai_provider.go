package embedding

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/cascadehq/auditengine/internal/llm"
)

// openaiEmbedAPI is the narrow surface this package needs from the OpenAI
// client, mirroring internal/openai's openaiAPI seam so the provider can be
// exercised with a fake in tests.
type openaiEmbedAPI interface {
	createEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error)
}

type realOpenAIEmbedAPI struct {
	client openai.Client
}

func (a *realOpenAIEmbedAPI) createEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	resp, err := a.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, llm.Wrap(err, "openai", "create embeddings", llm.DetectErrorCategory(err, 0))
	}

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

type openaiProvider struct {
	api       openaiEmbedAPI
	model     string
	dimension int
}

func newOpenAIProvider(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding: openai provider requires an API key")
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	client := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &openaiProvider{
		api:       &realOpenAIEmbedAPI{client: client},
		model:     model,
		dimension: cfg.Dimension,
	}, nil
}

func (p *openaiProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.api.createEmbeddings(ctx, texts, p.model)
}

func (p *openaiProvider) Dimensions() int {
	return p.dimension
}

func (p *openaiProvider) Name() string {
	return "openai:" + p.model
}
