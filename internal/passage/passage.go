// Package passage is the typed API above the relational passage tables and
// the vector store, enforcing the disjoint AgentPassage / SourcePassage
// distinction (I1) and keeping the two in sync (spec §4.3).
package passage

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/agentd/internal/apperrors"
	"github.com/kadirpekel/agentd/internal/storage"
	"github.com/kadirpekel/agentd/internal/vectorstore"
)

const (
	agentCollection  = "agent_passages"
	sourceCollection = "source_passages"

	// mirroredTextLimit caps the text copied into vector-store metadata,
	// per §4.3's "text:text[:1000]".
	mirroredTextLimit = 1000
)

// SizeUnit selects the unit EstimateEmbeddingsSize reports in.
type SizeUnit string

const (
	UnitBytes     SizeUnit = "bytes"
	UnitKilobytes SizeUnit = "kb"
	UnitMegabytes SizeUnit = "mb"
)

// Scope selects which passage population SearchSimilar draws from: exactly
// one of AgentID or SourceID must be set.
type Scope struct {
	AgentID  string
	SourceID string
}

// Manager is the passage API consumed by the agent loop (archival memory
// tools) and the ingestion pipeline.
type Manager struct {
	db     *storage.DB
	vector vectorstore.Provider
}

func New(db *storage.DB, vector vectorstore.Provider) *Manager {
	return &Manager{db: db, vector: vector}
}

func truncate(s string) string {
	if len(s) <= mirroredTextLimit {
		return s
	}
	return s[:mirroredTextLimit]
}

// mirror writes a passage's vector to the store. Per §4.2/§4.3's eventual
// consistency policy, a mirror failure is logged, not propagated: the
// relational write already committed and is the source of truth.
func (m *Manager) mirror(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) {
	if err := m.vector.Upsert(ctx, collection, id, embedding, metadata); err != nil {
		slog.Error("passage: vector mirror failed", "collection", collection, "id", id, "error", err)
	}
}

// CreateAgentPassage requires AgentID set (I1); writes the relational row
// then mirrors it to the vector store.
func (m *Manager) CreateAgentPassage(ctx context.Context, p storage.AgentPassage, actor storage.Actor) (storage.AgentPassage, error) {
	if p.AgentID == "" {
		return storage.AgentPassage{}, apperrors.InvalidArgument("passage: agent_id is required")
	}
	created, err := m.db.CreateAgentPassage(ctx, p, actor)
	if err != nil {
		return storage.AgentPassage{}, err
	}
	m.mirror(ctx, agentCollection, created.ID, created.Embedding, map[string]any{
		"agent_id":   created.AgentID,
		"source_id":  nil,
		"text":       truncate(created.Text),
		"created_at": created.CreatedAt,
	})
	return created, nil
}

// CreateSourcePassage is CreateAgentPassage's SourcePassage counterpart.
func (m *Manager) CreateSourcePassage(ctx context.Context, p storage.SourcePassage, actor storage.Actor) (storage.SourcePassage, error) {
	if p.SourceID == "" {
		return storage.SourcePassage{}, apperrors.InvalidArgument("passage: source_id is required")
	}
	created, err := m.db.CreateSourcePassage(ctx, p, actor)
	if err != nil {
		return storage.SourcePassage{}, err
	}
	m.mirror(ctx, sourceCollection, created.ID, created.Embedding, map[string]any{
		"source_id":  created.SourceID,
		"file_id":    created.FileID,
		"text":       truncate(created.Text),
		"created_at": created.CreatedAt,
	})
	return created, nil
}

// CreateManyAgentPassages writes the rows one at a time, not in one
// transaction: if a write fails, the rows already written stay and none is
// mirrored. Otherwise every created row's embedding is mirrored to the
// vector store in a single BatchUpsert.
func (m *Manager) CreateManyAgentPassages(ctx context.Context, passages []storage.AgentPassage, actor storage.Actor) ([]storage.AgentPassage, error) {
	out := make([]storage.AgentPassage, 0, len(passages))
	for _, p := range passages {
		if p.AgentID == "" {
			return nil, apperrors.InvalidArgument("passage: agent_id is required")
		}
		created, err := m.db.CreateAgentPassage(ctx, p, actor)
		if err != nil {
			return nil, err
		}
		out = append(out, created)
	}
	items := make([]vectorstore.Item, len(out))
	for i, p := range out {
		items[i] = vectorstore.Item{
			ID:        p.ID,
			Embedding: p.Embedding,
			Metadata: map[string]any{
				"agent_id":   p.AgentID,
				"source_id":  nil,
				"text":       truncate(p.Text),
				"created_at": p.CreatedAt,
			},
		}
	}
	if err := m.vector.BatchUpsert(ctx, agentCollection, items); err != nil {
		slog.Error("passage: batch vector mirror failed", "collection", agentCollection, "error", err)
	}
	return out, nil
}

// CreateManySourcePassages is the SourcePassage counterpart, grounded on the
// storage adapter's transactional CreateManySourcePassages.
func (m *Manager) CreateManySourcePassages(ctx context.Context, passages []storage.SourcePassage, actor storage.Actor) ([]storage.SourcePassage, error) {
	created, err := m.db.CreateManySourcePassages(ctx, passages, actor)
	if err != nil {
		return nil, err
	}
	items := make([]vectorstore.Item, len(created))
	for i, p := range created {
		items[i] = vectorstore.Item{
			ID:        p.ID,
			Embedding: p.Embedding,
			Metadata: map[string]any{
				"source_id":  p.SourceID,
				"file_id":    p.FileID,
				"text":       truncate(p.Text),
				"created_at": p.CreatedAt,
			},
		}
	}
	if err := m.vector.BatchUpsert(ctx, sourceCollection, items); err != nil {
		slog.Error("passage: batch vector mirror failed", "collection", sourceCollection, "error", err)
	}
	return created, nil
}

// UpdateAgentPassageById partially updates text and/or embedding,
// re-mirroring to the vector store only when the embedding changed.
func (m *Manager) UpdateAgentPassageById(ctx context.Context, id string, actor storage.Actor, text string, embedding []float32, embeddingDim int) (storage.AgentPassage, error) {
	updated, err := m.db.UpdateAgentPassage(ctx, id, actor, text, embedding, embeddingDim)
	if err != nil {
		return storage.AgentPassage{}, err
	}
	if embedding != nil {
		m.mirror(ctx, agentCollection, updated.ID, updated.Embedding, map[string]any{
			"agent_id":   updated.AgentID,
			"source_id":  nil,
			"text":       truncate(updated.Text),
			"created_at": updated.CreatedAt,
		})
	}
	return updated, nil
}

// UpdateSourcePassageById is UpdateAgentPassageById's SourcePassage
// counterpart.
func (m *Manager) UpdateSourcePassageById(ctx context.Context, id string, actor storage.Actor, text string, embedding []float32, embeddingDim int) (storage.SourcePassage, error) {
	updated, err := m.db.UpdateSourcePassage(ctx, id, actor, text, embedding, embeddingDim)
	if err != nil {
		return storage.SourcePassage{}, err
	}
	if embedding != nil {
		m.mirror(ctx, sourceCollection, updated.ID, updated.Embedding, map[string]any{
			"source_id":  updated.SourceID,
			"file_id":    updated.FileID,
			"text":       truncate(updated.Text),
			"created_at": updated.CreatedAt,
		})
	}
	return updated, nil
}

// DeleteAgentPassageById hard-deletes the row and removes it from the
// vector store.
func (m *Manager) DeleteAgentPassageById(ctx context.Context, id string, actor storage.Actor) error {
	if err := m.db.HardDeleteAgentPassage(ctx, id, actor); err != nil {
		return err
	}
	if _, err := m.vector.Delete(ctx, agentCollection, id); err != nil {
		slog.Error("passage: vector delete failed", "collection", agentCollection, "id", id, "error", err)
	}
	return nil
}

// DeleteSourcePassageById is DeleteAgentPassageById's SourcePassage
// counterpart.
func (m *Manager) DeleteSourcePassageById(ctx context.Context, id string, actor storage.Actor) error {
	if err := m.db.HardDeleteSourcePassage(ctx, id, actor); err != nil {
		return err
	}
	if _, err := m.vector.Delete(ctx, sourceCollection, id); err != nil {
		slog.Error("passage: vector delete failed", "collection", sourceCollection, "id", id, "error", err)
	}
	return nil
}

func (m *Manager) AgentPassageSize(ctx context.Context, agentID string, actor storage.Actor) (int, error) {
	return m.db.AgentPassageSize(ctx, agentID, actor)
}

func (m *Manager) SourcePassageSize(ctx context.Context, sourceID string, actor storage.Actor) (int, error) {
	return m.db.SourcePassageSize(ctx, sourceID, actor)
}

// EstimateEmbeddingsSize returns count x dim x 4 bytes (float32) normalized
// to unit, per §4.3.
func EstimateEmbeddingsSize(count, dim int, unit SizeUnit) float64 {
	bytes := float64(count) * float64(dim) * 4
	switch unit {
	case UnitKilobytes:
		return bytes / 1024
	case UnitMegabytes:
		return bytes / (1024 * 1024)
	default:
		return bytes
	}
}

func (m *Manager) ListPassagesByFileId(ctx context.Context, fileID string, actor storage.Actor) ([]storage.SourcePassage, error) {
	return m.db.ListSourcePassagesByFile(ctx, fileID, actor)
}

// SearchSimilar calls the vector store then re-hydrates full passage rows
// via the storage adapter, preserving score order (§4.3).
func (m *Manager) SearchSimilar(ctx context.Context, queryEmbedding []float32, topK int, minSimilarity float32, scope Scope, actor storage.Actor) ([]storage.AgentPassage, []storage.SourcePassage, error) {
	switch {
	case scope.AgentID != "":
		hits, err := m.vector.SearchSimilar(ctx, agentCollection, queryEmbedding, topK, minSimilarity, vectorstore.Filter{AgentID: scope.AgentID})
		if err != nil {
			return nil, nil, err
		}
		rows, err := m.db.ReadAgentPassagesByIDs(ctx, idsOf(hits), actor)
		if err != nil {
			return nil, nil, err
		}
		return orderAgentPassages(hits, rows), nil, nil

	case scope.SourceID != "":
		hits, err := m.vector.SearchSimilar(ctx, sourceCollection, queryEmbedding, topK, minSimilarity, vectorstore.Filter{SourceID: scope.SourceID})
		if err != nil {
			return nil, nil, err
		}
		rows, err := m.db.ReadSourcePassagesByIDs(ctx, idsOf(hits), actor)
		if err != nil {
			return nil, nil, err
		}
		return nil, orderSourcePassages(hits, rows), nil

	default:
		return nil, nil, apperrors.InvalidArgument("passage: search scope requires agent_id or source_id")
	}
}

func idsOf(hits []vectorstore.Result) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	return ids
}

func orderAgentPassages(hits []vectorstore.Result, rows map[string]storage.AgentPassage) []storage.AgentPassage {
	out := make([]storage.AgentPassage, 0, len(hits))
	for _, h := range hits {
		if p, ok := rows[h.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}

func orderSourcePassages(hits []vectorstore.Result, rows map[string]storage.SourcePassage) []storage.SourcePassage {
	out := make([]storage.SourcePassage, 0, len(hits))
	for _, h := range hits {
		if p, ok := rows[h.ID]; ok {
			out = append(out, p)
		}
	}
	return out
}
