// Package embedclient batch-embeds text via an OpenAI-compatible embeddings
// endpoint, grounded on the teacher's pkg/embedders/openai.go but rebuilt on
// internal/httpclient so retries, backoff, and context cancellation are
// handled by the shared client instead of duplicated per provider.
package embedclient

import (
	"context"
	"fmt"

	"github.com/kadirpekel/agentd/internal/apperrors"
	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/httpclient"
)

const defaultModel = "text-embedding-3-small"

// dimensionsByModel mirrors the teacher's per-model default table.
var dimensionsByModel = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// Client embeds text in batches through an OpenAI-compatible endpoint.
type Client struct {
	http      *httpclient.Client
	baseURL   string
	apiKey    string
	model     string
	dimension int
	batchSize int
}

// Option configures a Client.
type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

func WithBatchSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// New builds a Client from process configuration. EmbeddingAPIBase/Key come
// from config.Config; when unset, EmbeddingAPIBase falls back to OpenAI's
// public endpoint.
func New(cfg *config.Config, opts ...Option) *Client {
	baseURL := cfg.EmbeddingAPIBase
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	c := &Client{
		http:      httpclient.New(httpclient.WithRetryStrategy(httpclient.FixedStrategy(httpclient.ConservativeRetry))),
		baseURL:   baseURL,
		apiKey:    cfg.EmbeddingAPIKey,
		model:     defaultModel,
		batchSize: 100,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dimension = dimensionsByModel[c.model]
	if c.dimension == 0 {
		c.dimension = 1536
	}
	return c
}

// Dimension returns the embedding width this client's model produces.
func (c *Client) Dimension() int { return c.dimension }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EmbedBatch embeds texts, chunking into the client's configured batch size
// and preserving input order in the returned slice.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.batchSize {
		end := min(i+c.batchSize, len(texts))
		embeddings, err := c.embedOne(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, embeddings...)
	}
	return out, nil
}

// Embed embeds a single string.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := c.embedOne(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (c *Client) embedOne(ctx context.Context, texts []string) ([][]float32, error) {
	req := embedRequest{Model: c.model, Input: texts}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	var resp embedResponse
	if err := c.http.PostJSON(ctx, c.baseURL+"/embeddings", headers, req, &resp); err != nil {
		return nil, apperrors.Unavailable(err, "embedclient: embed batch of %d", len(texts))
	}
	if len(resp.Data) != len(texts) {
		return nil, apperrors.Internal(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)), "embedclient: short response")
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, apperrors.Internal(fmt.Errorf("index %d out of range", d.Index), "embedclient: malformed response")
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
