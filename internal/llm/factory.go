package llm

import (
	"fmt"

	"github.com/scrypster/tiermem/pkg/types"
)

// ProviderConfig selects and configures a generation provider.
type ProviderConfig struct {
	Provider       string // "openai" or "anthropic"
	APIKey         string
	Model          string
	BaseURL        string
	EmbeddingModel string
}

// NewGenerator creates the Generator named by cfg.Provider.
func NewGenerator(cfg ProviderConfig) (Generator, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIClient(OpenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL})
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL})
	case "":
		return nil, fmt.Errorf("generation provider: %w", types.ErrNotConfigured)
	default:
		return nil, fmt.Errorf("%w: unsupported generation provider %q", types.ErrInvalidInput, cfg.Provider)
	}
}

// NewEmbedder creates an Embedder. Only OpenAI serves embeddings; other
// providers return (nil, nil) and callers skip embedding-based features.
func NewEmbedder(cfg ProviderConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbeddingClient(OpenAIEmbeddingConfig{APIKey: cfg.APIKey, Model: cfg.EmbeddingModel, BaseURL: cfg.BaseURL})
	default:
		return nil, nil
	}
}
