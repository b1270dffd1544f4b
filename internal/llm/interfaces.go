// Package llm provides text generation and embedding clients used by
// consolidation and graph auto-linking.
package llm

import "context"

// Format selects the output shape requested from the generation service.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Generator is the interface for single-prompt text generation.
// With FormatJSON the provider is asked for a JSON object, but callers must
// still pass output through DecodeJSON.
type Generator interface {
	Generate(ctx context.Context, prompt string, format Format) (string, error)
	Model() string
}

// Embedder generates vector embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}
