package embedclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentd/internal/config"
)

func TestEmbedBatch_PreservesOrderAcrossChunks(t *testing.T) {
	var requests int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embedResponse{}
		for i, text := range req.Input {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(len(text))}, Index: i})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	cfg := &config.Config{EmbeddingAPIBase: server.URL, EmbeddingAPIKey: "key"}
	client := New(cfg, WithBatchSize(2))

	embeddings, err := client.EmbedBatch(t.Context(), []string{"a", "bb", "ccc", "dddd", "e"})
	require.NoError(t, err)
	require.Equal(t, 3, requests)
	require.Equal(t, [][]float32{{1}, {2}, {3}, {4}, {1}}, embeddings)
}

func TestEmbed_SingleString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embedResponse{Data: []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{{Embedding: []float32{0.1, 0.2}, Index: 0}}})
	}))
	defer server.Close()

	cfg := &config.Config{EmbeddingAPIBase: server.URL}
	client := New(cfg)

	embedding, err := client.Embed(t.Context(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2}, embedding)
}

func TestNew_DefaultDimension(t *testing.T) {
	client := New(&config.Config{})
	require.Equal(t, 1536, client.Dimension())
}

func TestNew_KnownModelDimension(t *testing.T) {
	client := New(&config.Config{}, WithModel("text-embedding-3-large"))
	require.Equal(t, 3072, client.Dimension())
}
