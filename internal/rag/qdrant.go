package rag

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// Payload keys reserved by the store; everything else is metadata.
const (
	payloadContent = "content"
	payloadSource  = "source"
)

// DefaultCollection is the collection the knowledge base is indexed under.
const DefaultCollection = "medicalbot"

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	Host       string // default localhost
	Port       int    // gRPC port, default 6334
	Collection string // default medicalbot
	// VectorSize is the embedding dimensionality. It sizes a new collection
	// and is checked against an existing one.
	VectorSize uint64
	APIKey     string
	UseTLS     bool
	// MinScore drops search hits scoring below it. Zero disables the filter.
	MinScore float32
}

// QdrantStore implements VectorStore and SourceDeleter on a Qdrant
// collection using cosine distance.
type QdrantStore struct {
	client *qdrant.Client
	cfg    QdrantConfig
}

// NewQdrantStore connects to Qdrant and prepares the collection: it is
// created when missing, and an existing collection must have VectorSize
// dimensions.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	c := *cfg
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   c.Host,
		Port:   c.Port,
		APIKey: c.APIKey,
		UseTLS: c.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	s := &QdrantStore{client: client, cfg: c}
	if err := s.prepare(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// Client exposes the underlying gRPC client for health probes.
func (s *QdrantStore) Client() *qdrant.Client { return s.client }

// Collection returns the collection this store reads and writes.
func (s *QdrantStore) Collection() string { return s.cfg.Collection }

func (s *QdrantStore) prepare(ctx context.Context) error {
	name := s.cfg.Collection
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return fmt.Errorf("qdrant: check collection %q: %w", name, err)
	}

	switch {
	case exists:
		if err := s.checkVectorSize(ctx); err != nil {
			return err
		}
	case s.cfg.VectorSize == 0:
		return fmt.Errorf("qdrant: collection %q does not exist and no vector size was given", name)
	default:
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     s.cfg.VectorSize,
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("qdrant: create collection %q: %w", name, err)
		}
	}

	// Keyword index backing DeleteSource. Creating it again is a no-op.
	wait := true
	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: name,
		FieldName:      payloadSource,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		Wait:           &wait,
	})
	if err != nil {
		return fmt.Errorf("qdrant: index %q on %q: %w", payloadSource, name, err)
	}
	return nil
}

// checkVectorSize fails when the collection was built for a different
// embedding model; every search would otherwise be rejected by Qdrant.
func (s *QdrantStore) checkVectorSize(ctx context.Context) error {
	if s.cfg.VectorSize == 0 {
		return nil
	}
	info, err := s.client.GetCollectionInfo(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: describe collection %q: %w", s.cfg.Collection, err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		// Named vectors: not created by medibot, leave it to Qdrant.
		return nil
	}
	if got := params.GetSize(); got != s.cfg.VectorSize {
		return fmt.Errorf("qdrant: collection %q has %d-dimensional vectors but the embedder produces %d; "+
			"set EMBEDDING_DIMENSIONS or QDRANT_COLLECTION to match", s.cfg.Collection, got, s.cfg.VectorSize)
	}
	return nil
}

// Upsert stores or updates a batch of documents with their embeddings.
func (s *QdrantStore) Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("qdrant: %d documents but %d embeddings", len(docs), len(embeddings))
	}
	if len(docs) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(doc.ID),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(docPayload(doc)),
		}
	}

	wait := true
	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return fmt.Errorf("qdrant: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search returns the topK nearest chunks, best first, dropping hits below
// MinScore.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error) {
	results, err := s.client.Query(ctx, s.searchRequest(queryEmbedding, topK))
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}

	docs := make([]Document, len(results))
	for i, r := range results {
		docs[i] = payloadDoc(r.Payload)
		docs[i].ID = r.Id.GetUuid()
		docs[i].Score = r.Score
	}
	return docs, nil
}

func (s *QdrantStore) searchRequest(vec []float32, topK int) *qdrant.QueryPoints {
	limit := uint64(max(topK, 1)) //nolint:gosec // positive
	req := &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if s.cfg.MinScore > 0 {
		threshold := s.cfg.MinScore
		req.ScoreThreshold = &threshold
	}
	return req
}

// Delete removes documents from the collection by their IDs.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewIDUUID(id)
	}
	return s.deletePoints(ctx, qdrant.NewPointsSelector(pointIDs...))
}

// DeleteSource removes every chunk ingested from source.
func (s *QdrantStore) DeleteSource(ctx context.Context, source string) error {
	return s.deletePoints(ctx, qdrant.NewPointsSelectorFilter(sourceFilter(source)))
}

func (s *QdrantStore) deletePoints(ctx context.Context, sel *qdrant.PointsSelector) error {
	wait := true
	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points:         sel,
	}); err != nil {
		return fmt.Errorf("qdrant: delete: %w", err)
	}
	return nil
}

// Count returns the number of chunks in the collection.
func (s *QdrantStore) Count(ctx context.Context) (uint64, error) {
	exact := true
	n, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: s.cfg.Collection, Exact: &exact})
	if err != nil {
		return 0, fmt.Errorf("qdrant: count: %w", err)
	}
	return n, nil
}

// Close closes the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("qdrant: close: %w", err)
	}
	return nil
}

func sourceFilter(source string) *qdrant.Filter {
	return &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(payloadSource, source)}}
}

// docPayload flattens a Document into a Qdrant payload map. Metadata cannot
// shadow the reserved keys.
func docPayload(doc Document) map[string]any {
	payload := make(map[string]any, len(doc.Metadata)+2)
	for k, v := range doc.Metadata {
		payload[k] = v
	}
	payload[payloadContent] = doc.Content
	payload[payloadSource] = doc.Source
	return payload
}

// payloadDoc is the inverse of docPayload.
func payloadDoc(p map[string]*qdrant.Value) Document {
	doc := Document{Metadata: make(map[string]string, len(p))}
	for k, v := range p {
		switch k {
		case payloadContent:
			doc.Content = v.GetStringValue()
		case payloadSource:
			doc.Source = v.GetStringValue()
		default:
			doc.Metadata[k] = v.GetStringValue()
		}
	}
	return doc
}
