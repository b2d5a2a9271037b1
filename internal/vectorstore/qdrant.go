package vectorstore

import (
	"context"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/kadirpekel/agentd/internal/apperrors"
)

// QdrantConfig configures the remote Qdrant provider, selected in
// production deployments for distributed, disk-backed ANN search.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// QdrantProvider implements Provider against a Qdrant server over gRPC.
// Each collection is created on first Upsert with cosine distance and a
// vector size matching the first embedding it sees.
type QdrantProvider struct {
	client *qdrant.Client
	config QdrantConfig
}

func NewQdrantProvider(cfg QdrantConfig) (*QdrantProvider, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, apperrors.Unavailable(err, "vectorstore: connect to qdrant at %s:%d", cfg.Host, cfg.Port)
	}

	return &QdrantProvider{client: client, config: cfg}, nil
}

func (p *QdrantProvider) ensureCollection(ctx context.Context, collection string, dim int) error {
	exists, err := p.client.CollectionExists(ctx, collection)
	if err != nil {
		return apperrors.Unavailable(err, "vectorstore: check collection %q", collection)
	}
	if exists {
		return nil
	}
	err = p.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return apperrors.Unavailable(err, "vectorstore: create collection %q", collection)
	}
	return nil
}

func metadataToPayload(metadata map[string]any) (map[string]*qdrant.Value, error) {
	payload := make(map[string]*qdrant.Value, len(metadata))
	for k, v := range metadata {
		val, err := qdrant.NewValue(v)
		if err != nil {
			return nil, apperrors.InvalidArgument("vectorstore: metadata key %q: %v", k, err)
		}
		payload[k] = val
	}
	return payload, nil
}

func (p *QdrantProvider) Upsert(ctx context.Context, collection, id string, embedding []float32, metadata map[string]any) error {
	if err := validateEmbedding(embedding); err != nil {
		return err
	}
	if err := p.ensureCollection(ctx, collection, len(embedding)); err != nil {
		return err
	}
	payload, err := metadataToPayload(metadata)
	if err != nil {
		return err
	}

	point := &qdrant.PointStruct{
		Id:      qdrant.NewID(id),
		Vectors: qdrant.NewVectors(embedding...),
		Payload: payload,
	}
	_, err = p.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: []*qdrant.PointStruct{point}})
	if err != nil {
		return apperrors.Unavailable(err, "vectorstore: upsert %s/%s", collection, id)
	}
	return nil
}

func (p *QdrantProvider) BatchUpsert(ctx context.Context, collection string, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	for _, it := range items {
		if err := validateEmbedding(it.Embedding); err != nil {
			return err
		}
	}
	if err := p.ensureCollection(ctx, collection, len(items[0].Embedding)); err != nil {
		return err
	}

	points := make([]*qdrant.PointStruct, 0, len(items))
	for _, it := range items {
		payload, err := metadataToPayload(it.Metadata)
		if err != nil {
			return err
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(it.ID),
			Vectors: qdrant.NewVectors(it.Embedding...),
			Payload: payload,
		})
	}
	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: collection, Points: points})
	if err != nil {
		return apperrors.Unavailable(err, "vectorstore: batch upsert into %s", collection)
	}
	return nil
}

func (p *QdrantProvider) Delete(ctx context.Context, collection, id string) (bool, error) {
	if _, _, ok, err := p.Get(ctx, collection, id); err != nil {
		return false, err
	} else if !ok {
		return false, nil
	}

	_, err := p.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{qdrant.NewID(id)}},
			},
		},
	})
	if err != nil {
		return false, apperrors.Unavailable(err, "vectorstore: delete %s/%s", collection, id)
	}
	return true, nil
}

func (p *QdrantProvider) Get(ctx context.Context, collection, id string) ([]float32, map[string]any, bool, error) {
	points, err := p.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(id)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil || len(points) == 0 {
		return nil, nil, false, nil
	}

	pt := points[0]
	embedding := pt.GetVectors().GetVector().GetData()
	metadata := make(map[string]any, len(pt.Payload))
	for k, v := range pt.Payload {
		metadata[k] = payloadValueToAny(v)
	}
	return embedding, metadata, true, nil
}

func (p *QdrantProvider) SearchSimilar(ctx context.Context, collection string, queryEmbedding []float32, topK int, minSimilarity float32, filter Filter) ([]Result, error) {
	if topK <= 0 {
		return nil, nil
	}
	req := &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         queryEmbedding,
		Limit:          uint64(topK),
		WithPayload:    qdrant.NewWithPayload(false),
		WithVectors:    qdrant.NewWithVectors(false),
	}
	if md := filter.toMetadata(); len(md) > 0 {
		req.Filter = buildQdrantFilter(md)
	}

	hits, err := p.client.GetPointsClient().Search(ctx, req)
	if err != nil {
		if strings.Contains(err.Error(), "doesn't exist") || strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, apperrors.Unavailable(err, "vectorstore: search %s", collection)
	}

	out := make([]Result, 0, len(hits.GetResult()))
	for _, h := range hits.GetResult() {
		if h.Score < minSimilarity {
			continue
		}
		out = append(out, Result{ID: pointIDToString(h.GetId()), Score: h.Score})
	}
	sortResults(out)
	return out, nil
}

func (p *QdrantProvider) Name() string { return "qdrant" }

func (p *QdrantProvider) Close() error { return p.client.Close() }

func buildQdrantFilter(filter map[string]any) *qdrant.Filter {
	conditions := make([]*qdrant.Condition, 0, len(filter))
	for key, value := range filter {
		val, err := qdrant.NewValue(value)
		if err != nil {
			continue
		}
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   key,
					Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: val.GetStringValue()}},
				},
			},
		})
	}
	return &qdrant.Filter{Must: conditions}
}

func payloadValueToAny(v *qdrant.Value) any {
	switch k := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return k.StringValue
	case *qdrant.Value_IntegerValue:
		return k.IntegerValue
	case *qdrant.Value_DoubleValue:
		return k.DoubleValue
	case *qdrant.Value_BoolValue:
		return k.BoolValue
	default:
		return nil
	}
}

func pointIDToString(id *qdrant.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	return id.String()
}

var _ Provider = (*QdrantProvider)(nil)
