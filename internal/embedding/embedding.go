// Package embedding generates vector embeddings for code and natural-language
// text (spec.md section 4.B). It dispatches to a concrete provider behind a
// narrow interface, the same "API surface behind an interface" shape the
// openai and gemini clients use for chat completions, so the vector index
// and summarizer never depend on a specific SDK.
package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/cascadehq/auditengine/internal/llm"
)

// Provider generates embeddings for one or more texts using a single model.
type Provider interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions reports the length of vectors this provider returns.
	Dimensions() int
	// Name identifies the provider for logging and audit events.
	Name() string
}

// Config selects and configures a provider.
type Config struct {
	Provider  string // "openai" or "gemini"
	Model     string
	Dimension int
	APIKey    string
}

// NewProvider constructs a Provider for the configured backend.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return newOpenAIProvider(cfg)
	case "gemini":
		return newGeminiProvider(cfg)
	default:
		return nil, fmt.Errorf("embedding: unsupported provider %q", cfg.Provider)
	}
}

// CosineSimilarity computes the cosine similarity of two equal-length
// vectors, in [-1, 1]. Zero-magnitude vectors report similarity 0 rather
// than NaN.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, llm.Wrap(fmt.Errorf("dimension mismatch: %d != %d", len(a), len(b)), "embedding", "cosine similarity", llm.CategoryInvalidRequest)
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}
