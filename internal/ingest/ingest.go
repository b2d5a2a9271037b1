package ingest

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kadirpekel/agentd/internal/apperrors"
	"github.com/kadirpekel/agentd/internal/passage"
	"github.com/kadirpekel/agentd/internal/storage"
)

// Embedder is the subset of internal/embedclient.Client the pipeline needs,
// narrowed to an interface so tests can substitute a fake.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Pipeline ingests one file at a time: chunk, embed, write source passages.
// Concurrency across multiple files is bounded by a semaphore, grounded on
// the teacher's pkg/rag/store.go Index() worker pool.
type Pipeline struct {
	passages       *passage.Manager
	embedder       Embedder
	chunker        Chunker
	maxConcurrency int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithChunker(c Chunker) Option {
	return func(p *Pipeline) { p.chunker = c }
}

func WithMaxConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxConcurrency = n
		}
	}
}

func New(passages *passage.Manager, embedder Embedder, opts ...Option) *Pipeline {
	p := &Pipeline{
		passages:       passages,
		embedder:       embedder,
		chunker:        NewSentenceChunker(TargetTokens, OverlapTokens),
		maxConcurrency: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FileInput is one file to ingest into a source.
type FileInput struct {
	File    storage.File
	Content string
}

// Result reports one file's ingestion outcome.
type Result struct {
	FileID   string
	Passages int
	Err      error
}

// IngestFile chunks content, embeds every chunk in one batch call, and
// writes the resulting source passages transactionally (via
// CreateManySourcePassages) so a partially-ingested file is never visible.
func (p *Pipeline) IngestFile(ctx context.Context, sourceID string, file storage.File, content string, actor storage.Actor) (int, error) {
	chunks := p.chunker.Chunk(content)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	embeddings, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, apperrors.Unavailable(err, "ingest: embed file %s", file.ID)
	}
	if len(embeddings) != len(chunks) {
		return 0, apperrors.Internal(nil, "ingest: embedder returned %d vectors for %d chunks", len(embeddings), len(chunks))
	}

	dim := p.embedder.Dimension()
	rows := make([]storage.SourcePassage, len(chunks))
	for i, c := range chunks {
		rows[i] = storage.SourcePassage{
			SourceID:     sourceID,
			FileID:       file.ID,
			FileName:     file.Name,
			Text:         c.Content,
			Embedding:    embeddings[i],
			EmbeddingDim: dim,
		}
	}

	created, err := p.passages.CreateManySourcePassages(ctx, rows, actor)
	if err != nil {
		return 0, err
	}
	return len(created), nil
}

// IngestFiles processes every file concurrently, bounded by maxConcurrency,
// and returns one Result per input in input order.
func (p *Pipeline) IngestFiles(ctx context.Context, sourceID string, files []FileInput, actor storage.Actor) []Result {
	results := make([]Result, len(files))
	semaphore := make(chan struct{}, p.maxConcurrency)
	var wg sync.WaitGroup
	var indexed, errored int64

	for i, f := range files {
		select {
		case <-ctx.Done():
			results[i] = Result{FileID: f.File.ID, Err: ctx.Err()}
			continue
		default:
		}

		semaphore <- struct{}{}
		wg.Add(1)
		go func(i int, f FileInput) {
			defer func() {
				<-semaphore
				wg.Done()
			}()

			n, err := p.IngestFile(ctx, sourceID, f.File, f.Content, actor)
			if err != nil {
				atomic.AddInt64(&errored, 1)
				slog.Warn("ingest: file failed", "file_id", f.File.ID, "error", err)
				results[i] = Result{FileID: f.File.ID, Err: err}
				return
			}
			atomic.AddInt64(&indexed, 1)
			results[i] = Result{FileID: f.File.ID, Passages: n}
		}(i, f)
	}
	wg.Wait()

	slog.Info("ingest: batch complete", "total", len(files), "indexed", indexed, "errors", errored)
	return results
}
