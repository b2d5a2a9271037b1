package passage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/storage"
	"github.com/kadirpekel/agentd/internal/vectorstore"
)

func newTestManager(t *testing.T) (*Manager, storage.Actor) {
	t.Helper()
	cfg := &config.Config{DBPoolSize: 2, DBPoolTimeout: 5 * time.Second, DBPoolRecycle: time.Hour}
	db, err := storage.OpenMemoryForTest(context.Background(), cfg, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	vs, err := vectorstore.NewChromemProvider(vectorstore.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	return New(db, vs), storage.Actor{ID: "user-1", OrgID: "org-1"}
}

func TestCreateAgentPassage_MirrorsToVectorStore(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateAgentPassage(ctx, storage.AgentPassage{
		AgentID: "agent-1", Text: "hello world", Embedding: []float32{1, 0}, EmbeddingDim: 2,
	}, actor)
	require.NoError(t, err)

	agentHits, _, err := m.SearchSimilar(ctx, []float32{1, 0}, 5, -1, Scope{AgentID: "agent-1"}, actor)
	require.NoError(t, err)
	require.Len(t, agentHits, 1)
	require.Equal(t, created.ID, agentHits[0].ID)
}

func TestCreateAgentPassage_RequiresAgentID(t *testing.T) {
	m, actor := newTestManager(t)
	_, err := m.CreateAgentPassage(context.Background(), storage.AgentPassage{Text: "x", Embedding: []float32{1}, EmbeddingDim: 1}, actor)
	require.Error(t, err)
}

func TestDeleteAgentPassageById_RemovesFromVectorStore(t *testing.T) {
	m, actor := newTestManager(t)
	ctx := context.Background()

	created, err := m.CreateAgentPassage(ctx, storage.AgentPassage{
		AgentID: "agent-1", Text: "hello", Embedding: []float32{1, 0}, EmbeddingDim: 2,
	}, actor)
	require.NoError(t, err)

	require.NoError(t, m.DeleteAgentPassageById(ctx, created.ID, actor))

	hits, _, err := m.SearchSimilar(ctx, []float32{1, 0}, 5, -1, Scope{AgentID: "agent-1"}, actor)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestEstimateEmbeddingsSize(t *testing.T) {
	require.Equal(t, float64(4000), EstimateEmbeddingsSize(10, 100, UnitBytes))
	require.InDelta(t, 3.90625, EstimateEmbeddingsSize(10, 100, UnitKilobytes), 1e-6)
}

func TestSearchSimilar_RequiresScope(t *testing.T) {
	m, actor := newTestManager(t)
	_, _, err := m.SearchSimilar(context.Background(), []float32{1}, 5, -1, Scope{}, actor)
	require.Error(t, err)
}
