package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentd/internal/config"
	"github.com/kadirpekel/agentd/internal/passage"
	"github.com/kadirpekel/agentd/internal/storage"
	"github.com/kadirpekel/agentd/internal/vectorstore"
)

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Dimension() int { return f.dim }

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(i + 1)
		out[i] = v
	}
	return out, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *passage.Manager, storage.Actor) {
	t.Helper()
	cfg := &config.Config{DBPoolSize: 2, DBPoolTimeout: 5 * time.Second, DBPoolRecycle: time.Hour}
	db, err := storage.OpenMemoryForTest(context.Background(), cfg, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	vs, err := vectorstore.NewChromemProvider(vectorstore.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	pm := passage.New(db, vs)
	embedder := &fakeEmbedder{dim: 4}
	pipeline := New(pm, embedder, WithMaxConcurrency(2))
	return pipeline, pm, storage.Actor{ID: "user-1", OrgID: "org-1"}
}

func TestIngestFile_WritesSourcePassages(t *testing.T) {
	p, pm, actor := newTestPipeline(t)
	ctx := context.Background()

	file := storage.File{ID: "file-1", SourceID: "source-1", Name: "doc.txt"}
	content := "The first sentence is here. The second sentence follows. A third closes it out."

	n, err := p.IngestFile(ctx, "source-1", file, content, actor)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	rows, err := pm.ListPassagesByFileId(ctx, "file-1", actor)
	require.NoError(t, err)
	require.Len(t, rows, n)
}

func TestIngestFile_EmptyContentNoOp(t *testing.T) {
	p, _, actor := newTestPipeline(t)
	file := storage.File{ID: "file-empty", SourceID: "source-1"}
	n, err := p.IngestFile(context.Background(), "source-1", file, "", actor)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestIngestFiles_ProcessesAllConcurrently(t *testing.T) {
	p, _, actor := newTestPipeline(t)
	files := []FileInput{
		{File: storage.File{ID: "f1", SourceID: "source-1"}, Content: "One sentence here."},
		{File: storage.File{ID: "f2", SourceID: "source-1"}, Content: "Another sentence there."},
		{File: storage.File{ID: "f3", SourceID: "source-1"}, Content: "A third one too."},
	}

	results := p.IngestFiles(context.Background(), "source-1", files, actor)
	require.Len(t, results, 3)
	for _, r := range results {
		require.NoError(t, r.Err)
		require.Greater(t, r.Passages, 0)
	}
}
