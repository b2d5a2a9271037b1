// Package vectorstore stores one embedding per passage id, tagged with
// JSON-ish metadata, and answers top-K cosine similarity queries filterable
// by metadata (spec §4.2). The default provider is embedded (chromem-go);
// a production deployment may swap in Qdrant without touching callers.
package vectorstore

import (
	"context"
	"math"
	"sort"

	"github.com/kadirpekel/agentd/internal/apperrors"
)

// Result is one hit from SearchSimilar: a passage id and its cosine
// similarity score against the query embedding, in [-1, 1].
type Result struct {
	ID    string
	Score float32
}

// Filter narrows SearchSimilar to one agent's passages or one source's
// passages, mirroring the AgentPassage/SourcePassage split (I1).
type Filter struct {
	AgentID  string
	SourceID string
}

func (f Filter) toMetadata() map[string]any {
	m := map[string]any{}
	if f.AgentID != "" {
		m["agent_id"] = f.AgentID
	}
	if f.SourceID != "" {
		m["source_id"] = f.SourceID
	}
	return m
}

// Item is one row in a BatchUpsert call.
type Item struct {
	ID        string
	Embedding []float32
	Metadata  map[string]any
}

// Provider is the narrow interface every vector backend implements.
// Collection lets the passage manager keep agent passages and source
// passages in separate indexes while sharing one Provider.
type Provider interface {
	// Upsert replaces any prior row for id. Fails InvalidArgument if
	// embedding is empty.
	Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error

	// BatchUpsert writes every item atomically per batch.
	BatchUpsert(ctx context.Context, collection string, items []Item) error

	// Delete removes id from collection, reporting whether it existed.
	Delete(ctx context.Context, collection, id string) (bool, error)

	// Get returns the stored embedding and metadata for id, or ok=false
	// if no such row exists.
	Get(ctx context.Context, collection, id string) (embedding []float32, metadata map[string]any, ok bool, err error)

	// SearchSimilar returns up to topK hits scoring >= minSimilarity,
	// sorted by score descending with ties broken by id ascending. Only
	// rows whose stored embedding dimension matches len(queryEmbedding)
	// are considered.
	SearchSimilar(ctx context.Context, collection string, queryEmbedding []float32, topK int, minSimilarity float32, filter Filter) ([]Result, error)

	// Name identifies the provider implementation, used in logs and
	// /healthz diagnostics.
	Name() string

	// Close releases resources (flushes persistence, closes conns).
	Close() error
}

// cosineSimilarity computes the cosine of the angle between a and b,
// returning 0 if either vector has zero magnitude.
func cosineSimilarity(a, b []float32) float32 {
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(magA) * math.Sqrt(magB)))
}

// sortResults applies the score-descending, id-ascending tie-break order
// SearchSimilar promises.
func sortResults(results []Result) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

func validateEmbedding(embedding []float32) error {
	if len(embedding) == 0 {
		return apperrors.InvalidArgument("vectorstore: embedding must not be empty")
	}
	return nil
}
