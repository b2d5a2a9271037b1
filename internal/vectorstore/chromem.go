package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/kadirpekel/agentd/internal/apperrors"
)

// ChromemConfig configures the embedded chromem-go provider, selected when
// VECTOR_STORE_PROVIDER is unset or "chromem" (see vectorstore.New); this is
// independent of PG_URI, which only governs relational storage.
type ChromemConfig struct {
	// PersistPath, if set, enables file persistence under this directory.
	// Empty means in-memory only.
	PersistPath string
	// Compress enables gzip compression of the persisted file.
	Compress bool
}

// ChromemProvider implements Provider on top of chromem-go, an embedded,
// pure-Go vector store. It requires no external services and is the
// recommended default for single-process deployments; it is memory-bound
// and offers no distributed search, so production deployments should use
// QdrantProvider instead.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string
	compress    bool

	mu          sync.RWMutex
	collections map[string]*chromem.Collection

	// embeddingFunc is never invoked: every vector reaching this provider
	// is already computed by internal/embedclient.
	embeddingFunc chromem.EmbeddingFunc
}

// NewChromemProvider opens (or creates) a chromem-go database.
func NewChromemProvider(cfg ChromemConfig) (*ChromemProvider, error) {
	var db *chromem.DB

	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, apperrors.Internal(err, "vectorstore: create persist directory")
		}

		dbPath := cfg.PersistPath + "/vectors.gob"
		if cfg.Compress {
			dbPath += ".gz"
		}

		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, cfg.Compress)
			if err != nil {
				slog.Warn("vectorstore: failed to load existing database, starting fresh", "path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
				slog.Info("vectorstore: loaded database from file", "path", dbPath)
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectorstore: embedding function invoked, vectors must be pre-computed")
	}

	return &ChromemProvider{
		db:            db,
		persistPath:   cfg.PersistPath,
		compress:      cfg.Compress,
		collections:   make(map[string]*chromem.Collection),
		embeddingFunc: identityEmbed,
	}, nil
}

func (p *ChromemProvider) getCollection(name string) (*chromem.Collection, error) {
	p.mu.RLock()
	if col, ok := p.collections[name]; ok {
		p.mu.RUnlock()
		return col, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if col, ok := p.collections[name]; ok {
		return col, nil
	}

	col, err := p.db.GetOrCreateCollection(name, nil, p.embeddingFunc)
	if err != nil {
		return nil, apperrors.Internal(err, "vectorstore: get/create collection %q", name)
	}
	p.collections[name] = col
	return col, nil
}

func metadataToStrings(metadata map[string]any) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (p *ChromemProvider) Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error {
	if err := validateEmbedding(embedding); err != nil {
		return err
	}
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	content, _ := metadata["text"].(string)
	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  metadataToStrings(metadata),
		Embedding: embedding,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return apperrors.Internal(err, "vectorstore: upsert %s/%s", collection, id)
	}
	if err := p.persist(); err != nil {
		slog.Warn("vectorstore: persist after upsert failed", "error", err)
	}
	return nil
}

func (p *ChromemProvider) BatchUpsert(ctx context.Context, collection string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(items))
	for _, it := range items {
		if err := validateEmbedding(it.Embedding); err != nil {
			return err
		}
		content, _ := it.Metadata["text"].(string)
		docs = append(docs, chromem.Document{
			ID:        it.ID,
			Content:   content,
			Metadata:  metadataToStrings(it.Metadata),
			Embedding: it.Embedding,
		})
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return apperrors.Internal(err, "vectorstore: batch upsert into %s", collection)
	}
	if err := p.persist(); err != nil {
		slog.Warn("vectorstore: persist after batch upsert failed", "error", err)
	}
	return nil
}

func (p *ChromemProvider) Delete(ctx context.Context, collection, id string) (bool, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return false, err
	}
	if _, _, ok, err := p.Get(ctx, collection, id); err != nil {
		return false, err
	} else if !ok {
		return false, nil
	}

	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return false, apperrors.Internal(err, "vectorstore: delete %s/%s", collection, id)
	}
	if err := p.persist(); err != nil {
		slog.Warn("vectorstore: persist after delete failed", "error", err)
	}
	return true, nil
}

func (p *ChromemProvider) Get(ctx context.Context, collection, id string) ([]float32, map[string]any, bool, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, nil, false, err
	}
	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return nil, nil, false, nil
	}
	metadata := make(map[string]any, len(doc.Metadata))
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	return doc.Embedding, metadata, true, nil
}

func (p *ChromemProvider) SearchSimilar(ctx context.Context, collection string, queryEmbedding []float32, topK int, minSimilarity float32, filter Filter) ([]Result, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	var whereFilter map[string]string
	if md := filter.toMetadata(); len(md) > 0 {
		whereFilter = metadataToStrings(md)
	}

	// chromem has no notion of "fewer documents than topK exist yet", so
	// cap the request at the collection size to avoid its internal error.
	n := col.Count()
	if n == 0 {
		return nil, nil
	}
	k := topK
	if k > n {
		k = n
	}

	docs, err := col.QueryEmbedding(ctx, queryEmbedding, k, whereFilter, nil)
	if err != nil {
		return nil, apperrors.Internal(err, "vectorstore: search %s", collection)
	}

	// chromem rejects a mismatched-dimension vector at Upsert time, so
	// every row already stored in this collection shares one dimension;
	// the query vector either matches all of them or QueryEmbedding errors.
	out := make([]Result, 0, len(docs))
	for _, d := range docs {
		if d.Similarity < minSimilarity {
			continue
		}
		out = append(out, Result{ID: d.ID, Score: d.Similarity})
	}
	sortResults(out)
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (p *ChromemProvider) Name() string { return "chromem" }

func (p *ChromemProvider) Close() error { return p.persist() }

func (p *ChromemProvider) persist() error {
	if p.persistPath == "" {
		return nil
	}
	dbPath := p.persistPath + "/vectors.gob"
	if p.compress {
		dbPath += ".gz"
	}
	if err := p.db.Export(dbPath, p.compress, ""); err != nil {
		return apperrors.Internal(err, "vectorstore: persist database")
	}
	return nil
}

var _ Provider = (*ChromemProvider)(nil)
