package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/scrypster/tiermem/internal/breaker"
	"github.com/scrypster/tiermem/pkg/types"
)

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey  string
	Model   string        // default: gpt-4o-mini
	BaseURL string        // default: the go-openai default
	Timeout time.Duration // default: 60s
}

// OpenAIClient implements Generator using the chat completions API.
type OpenAIClient struct {
	cfg     OpenAIConfig
	client  *openai.Client
	breaker *breaker.Breaker
}

// NewOpenAIClient creates an OpenAI generator. An empty API key returns
// types.ErrNotConfigured.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai API key: %w", types.ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIClient{
		cfg:     cfg,
		client:  newOpenAIClient(cfg.APIKey, cfg.BaseURL),
		breaker: breaker.New("openai"),
	}, nil
}

func newOpenAIClient(apiKey, baseURL string) *openai.Client {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(clientConfig)
}

// Generate sends a single-turn completion and returns the response text.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string, format Format) (string, error) {
	return breaker.Do(ctx, c.breaker, func() (string, error) {
		return c.generate(ctx, prompt, format)
	})
}

func (c *OpenAIClient) generate(ctx context.Context, prompt string, format Format) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0,
	}
	if format == FormatJSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", wrapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices: %w", types.ErrParse)
	}
	return resp.Choices[0].Message.Content, nil
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return c.cfg.Model
}

// OpenAIEmbeddingConfig holds configuration for the OpenAI embedding client.
type OpenAIEmbeddingConfig struct {
	APIKey     string
	Model      string // default: text-embedding-3-small
	BaseURL    string
	Dimensions int
	Timeout    time.Duration // default: 30s
}

// OpenAIEmbeddingClient implements Embedder.
type OpenAIEmbeddingClient struct {
	cfg     OpenAIEmbeddingConfig
	client  *openai.Client
	breaker *breaker.Breaker
}

// NewOpenAIEmbeddingClient creates an embedder. An empty API key returns
// types.ErrNotConfigured.
func NewOpenAIEmbeddingClient(cfg OpenAIEmbeddingConfig) (*OpenAIEmbeddingClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai API key: %w", types.ErrNotConfigured)
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIEmbeddingClient{
		cfg:     cfg,
		client:  newOpenAIClient(cfg.APIKey, cfg.BaseURL),
		breaker: breaker.New("openai-embeddings"),
	}, nil
}

// Embed returns the embedding of text.
func (c *OpenAIEmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return breaker.Do(ctx, c.breaker, func() ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      []string{text},
			Model:      openai.EmbeddingModel(c.cfg.Model),
			Dimensions: c.cfg.Dimensions,
		})
		if err != nil {
			return nil, wrapOpenAIError(err)
		}
		if len(resp.Data) == 0 {
			return nil, errors.New("empty embedding response")
		}
		return resp.Data[0].Embedding, nil
	})
}

// Model returns the configured embedding model.
func (c *OpenAIEmbeddingClient) Model() string {
	return c.cfg.Model
}

func wrapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return types.NewRemoteAPIError("openai", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return types.NewRemoteAPIError("openai", reqErr.HTTPStatusCode, string(reqErr.Body))
	}
	return fmt.Errorf("openai request failed: %w", err)
}

// Compile-time assertions.
var (
	_ Generator = (*OpenAIClient)(nil)
	_ Embedder  = (*OpenAIEmbeddingClient)(nil)
)
