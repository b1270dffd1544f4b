package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/tiermem/pkg/types"
)

func TestNewGenerator_NotConfigured(t *testing.T) {
	_, err := NewGenerator(ProviderConfig{})
	assert.ErrorIs(t, err, types.ErrNotConfigured)

	_, err = NewGenerator(ProviderConfig{Provider: "openai"})
	assert.ErrorIs(t, err, types.ErrNotConfigured)

	_, err = NewGenerator(ProviderConfig{Provider: "anthropic", APIKey: " "})
	assert.ErrorIs(t, err, types.ErrNotConfigured)

	_, err = NewGenerator(ProviderConfig{Provider: "carrier-pigeon", APIKey: "k"})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestNewEmbedder_OnlyOpenAI(t *testing.T) {
	e, err := NewEmbedder(ProviderConfig{Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.Nil(t, e)

	e, err = NewEmbedder(ProviderConfig{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", e.Model())
}

func TestOpenAIClient_GenerateRequestsJSONObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		format, _ := body["response_format"].(map[string]any)
		assert.Equal(t, "json_object", format["type"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"{\"insights\":[]}"}}]}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "hello", FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, `{"insights":[]}`, out)
	assert.Equal(t, "gpt-4o-mini", c.Model())
}

func TestOpenAIClient_StatusBecomesRemoteAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIClient(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "hello", FormatText)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestOpenAIEmbeddingClient_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],"model":"text-embedding-3-small"}`))
	}))
	defer srv.Close()

	c, err := NewOpenAIEmbeddingClient(OpenAIEmbeddingConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	require.NoError(t, err)

	vec, err := c.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestAnthropicClient_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["system"], "JSON format should add a system instruction")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku-4-5",` +
			`"content":[{"type":"text","text":"{\"ok\":true}"}],"stop_reason":"end_turn",` +
			`"usage":{"input_tokens":3,"output_tokens":4}}`))
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(AnthropicConfig{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "hello", FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
}
