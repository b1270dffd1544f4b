package memhost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/tiermem/pkg/types"
)

func newTestHost(t *testing.T, handler http.HandlerFunc) *Host {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	host, err := NewHTTPHost(HTTPConfig{BaseURL: srv.URL, APIKey: "secret", RetryCount: -1})
	require.NoError(t, err)
	return host
}

func TestNewHTTPClient_NotConfigured(t *testing.T) {
	_, err := NewHTTPClient(HTTPConfig{APIKey: "k"})
	assert.ErrorIs(t, err, types.ErrNotConfigured)

	_, err = NewHTTPClient(HTTPConfig{BaseURL: "http://localhost"})
	assert.ErrorIs(t, err, types.ErrNotConfigured)
}

func TestBlocks_CreateSendsBearerAndBody(t *testing.T) {
	host := newTestHost(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/blocks", r.URL.Path)

		var in BlockCreate
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "acme:brand_context", in.Label)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wireBlock{ID: "b1", Label: in.Label, Value: in.Value, Limit: in.Limit})
	})

	b, err := host.Blocks.Create(context.Background(), BlockCreate{Label: "acme:brand_context", Value: "v", Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, 100, b.Limit)
}

func TestBlocks_GetNotFoundMapsToSentinel(t *testing.T) {
	host := newTestHost(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"missing"}`, http.StatusNotFound)
	})

	_, err := host.Blocks.Get(context.Background(), "gone")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrNotFound)

	var apiErr *types.RemoteAPIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Contains(t, apiErr.Body, "missing")
}

func TestBlocks_Unauthorized(t *testing.T) {
	host := newTestHost(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := host.Blocks.List(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrUnauthorized)
}

func TestPassages_SearchReturnsContents(t *testing.T) {
	host := newTestHost(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/a1/archival-memory", r.URL.Path)
		assert.Equal(t, "[category:pricing]", r.URL.Query().Get("search"))
		assert.Equal(t, "4", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]wirePassage{{ID: "p1", Text: "[category:pricing] margin"}, {ID: "p2", Text: "other"}})
	})

	got, err := host.Passages.Search(context.Background(), "a1", "[category:pricing]", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"[category:pricing] margin", "other"}, got)
}

func TestMessages_SearchFillsRank(t *testing.T) {
	score := 0.9
	host := newTestHost(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agents/a1/messages/search", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"message": wireMessage{ID: "m1", Role: "user", Content: "hi"}, "rrf_score": score},
			{"message": wireMessage{ID: "m2", Role: "assistant", Content: "hello"}},
		})
	})

	hits, err := host.Messages.Search(context.Background(), "a1", "hi", MessageSearch{Limit: 5})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, 1, hits[0].Rank)
	require.NotNil(t, hits[0].Score)
	assert.InDelta(t, 0.9, *hits[0].Score, 1e-9)
	assert.Equal(t, 2, hits[1].Rank)
	assert.Nil(t, hits[1].Score)
}

func TestAgents_ListMapsBlocks(t *testing.T) {
	host := newTestHost(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":"ag1","name":"acme:exec","memory":{"blocks":[{"id":"b1"},{"id":"b2"}]}}]`))
	})

	agents, err := host.Agents.List(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, []string{"b1", "b2"}, agents[0].BlockIDs)
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"id":"b1","label":"x","value":"","limit":10}`))
	}))
	defer srv.Close()

	host, err := NewHTTPHost(HTTPConfig{BaseURL: srv.URL, APIKey: "k", RetryCount: 2})
	require.NoError(t, err)

	b, err := host.Blocks.Get(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, int32(2), calls.Load())
}
