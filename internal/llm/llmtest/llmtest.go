// Package llmtest provides scripted generation and embedding doubles.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"github.com/scrypster/tiermem/internal/llm"
)

// Generator returns queued responses in order, then repeats the last one.
// Err, when set, is returned instead of any response.
type Generator struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	Err       error
}

// NewGenerator returns a Generator that answers with responses.
func NewGenerator(responses ...string) *Generator {
	return &Generator{responses: responses}
}

// Generate records prompt and returns the next scripted response.
func (g *Generator) Generate(ctx context.Context, prompt string, _ llm.Format) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.Err != nil {
		return "", g.Err
	}
	if len(g.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	out := g.responses[0]
	if len(g.responses) > 1 {
		g.responses = g.responses[1:]
	}
	return out, nil
}

// Model returns a fixed name.
func (g *Generator) Model() string { return "scripted" }

// Prompts returns every prompt received so far.
func (g *Generator) Prompts() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

// Embedder maps known texts to fixed vectors. Unknown texts get Default.
type Embedder struct {
	Vectors map[string][]float32
	Default []float32
	Err     error
}

// Embed returns the configured vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Err != nil {
		return nil, e.Err
	}
	if v, ok := e.Vectors[text]; ok {
		return v, nil
	}
	return e.Default, nil
}

// Model returns a fixed name.
func (e *Embedder) Model() string { return "static" }

var (
	_ llm.Generator = (*Generator)(nil)
	_ llm.Embedder  = (*Embedder)(nil)
)
