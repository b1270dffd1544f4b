package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/scrypster/tiermem/internal/breaker"
	"github.com/scrypster/tiermem/pkg/types"
)

const jsonInstruction = "Respond with a single JSON object only. Do not wrap it in markdown or add commentary."

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	Model     string        // default: claude-haiku-4-5
	BaseURL   string        // optional, for proxies and tests
	MaxTokens int64         // default: 4096
	Timeout   time.Duration // default: 60s
}

// AnthropicClient implements Generator using the Messages API.
type AnthropicClient struct {
	cfg     AnthropicConfig
	client  anthropic.Client
	breaker *breaker.Breaker
}

// NewAnthropicClient creates an Anthropic generator. An empty API key
// returns types.ErrNotConfigured.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("anthropic API key: %w", types.ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(1)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		cfg:     cfg,
		client:  anthropic.NewClient(opts...),
		breaker: breaker.New("anthropic"),
	}, nil
}

// Generate sends a single-turn message and returns the concatenated text.
func (c *AnthropicClient) Generate(ctx context.Context, prompt string, format Format) (string, error) {
	return breaker.Do(ctx, c.breaker, func() (string, error) {
		return c.generate(ctx, prompt, format)
	})
}

func (c *AnthropicClient) generate(ctx context.Context, prompt string, format Format) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: c.cfg.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if format == FormatJSON {
		params.System = []anthropic.TextBlockParam{{Text: jsonInstruction}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return "", types.NewRemoteAPIError("anthropic", apiErr.StatusCode, apiErr.RawJSON())
		}
		return "", fmt.Errorf("anthropic request failed: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic returned no text content: %w", types.ErrParse)
	}
	return sb.String(), nil
}

// Model returns the configured model name.
func (c *AnthropicClient) Model() string {
	return c.cfg.Model
}

var _ Generator = (*AnthropicClient)(nil)
