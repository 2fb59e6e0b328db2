// Package ingestion builds the knowledge base the chatbot answers from. It
// loads PDFs, text and markdown files and web pages, splits them into
// overlapping chunks, embeds each chunk and upserts the results into the
// vector store. It is invoked by the `medibot ingest` command.
package ingestion

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cloudwego/eino-ext/components/document/transformer/splitter/recursive"
	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"github.com/54b3r/medibot-go/internal/rag"
)

// Chunking defaults. Changing them requires re-ingesting the collection.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 20
	DefaultBatchSize    = 64

	// NoChunkOverlap disables overlap between consecutive chunks.
	NoChunkOverlap = -1
)

// chunkSeparators are tried in order, coarsest first.
var chunkSeparators = []string{"\n\n", "\n", ". ", " "}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// ChunkSize is the maximum number of characters (runes) per chunk.
	// Defaults to 500 if zero.
	ChunkSize int

	// ChunkOverlap is the number of characters shared by consecutive chunks.
	// Zero means the default of 20; any negative value (NoChunkOverlap)
	// disables overlap.
	ChunkOverlap int

	// BatchSize is the number of chunks embedded per request.
	// Defaults to 64 if zero.
	BatchSize int

	// HTTPTimeout is the timeout for each URL fetch. Defaults to 30s if zero.
	HTTPTimeout time.Duration

	// UserAgent is the HTTP User-Agent header sent with fetch requests.
	UserAgent string
}

// Stats summarises an ingestion run.
type Stats struct {
	Sources int
	Pages   int
	Chunks  int
}

// Pipeline orchestrates the load → split → embed → upsert flow.
type Pipeline struct {
	embedder rag.Embedder
	store    rag.VectorStore
	cfg      *Config
	loader   *Loader
	splitter document.Transformer
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(ctx context.Context, embedder rag.Embedder, store rag.VectorStore, cfg *Config) (*Pipeline, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	switch {
	case cfg.ChunkOverlap == 0:
		cfg.ChunkOverlap = DefaultChunkOverlap
	case cfg.ChunkOverlap < 0:
		cfg.ChunkOverlap = 0
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "medibot/1.0 (medical knowledge base ingestion)"
	}

	loader, err := NewLoader(ctx, cfg.HTTPTimeout, cfg.UserAgent)
	if err != nil {
		return nil, err
	}
	splitter, err := recursive.NewSplitter(ctx, &recursive.Config{
		ChunkSize:   cfg.ChunkSize,
		OverlapSize: cfg.ChunkOverlap,
		Separators:  chunkSeparators,
		LenFunc:     utf8.RuneCountInString,
	})
	if err != nil {
		return nil, fmt.Errorf("ingestion: create splitter: %w", err)
	}

	return &Pipeline{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		loader:   loader,
		splitter: splitter,
	}, nil
}

// Ingest loads, splits, embeds and stores all provided sources. Sources are
// processed sequentially; the first error aborts the run. Progress is
// reported via the optional progress callback.
func (p *Pipeline) Ingest(ctx context.Context, sources []Source, progress func(msg string)) (*Stats, error) {
	if progress == nil {
		progress = func(string) {}
	}

	stats := &Stats{}
	for _, src := range sources {
		progress(fmt.Sprintf("loading %s", src.URI))

		pages, err := p.loader.Load(ctx, src)
		if err != nil {
			return stats, err
		}

		chunks, err := p.split(ctx, src.URI, pages)
		if err != nil {
			return stats, err
		}
		progress(fmt.Sprintf("split %s into %d chunks", src.URI, len(chunks)))

		if err := p.replaceSource(ctx, src.URI); err != nil {
			return stats, err
		}

		for start := 0; start < len(chunks); start += p.cfg.BatchSize {
			end := min(start+p.cfg.BatchSize, len(chunks))
			if err := p.storeBatch(ctx, chunks[start:end]); err != nil {
				return stats, fmt.Errorf("ingestion: %s: %w", src.URI, err)
			}
		}

		stats.Sources++
		stats.Pages += len(pages)
		stats.Chunks += len(chunks)
		progress(fmt.Sprintf("ingested %d chunks from %s", len(chunks), src.URI))
	}

	return stats, nil
}

// split chunks the pages of one source and assigns deterministic IDs, so
// re-ingesting a source overwrites its previous chunks.
func (p *Pipeline) split(ctx context.Context, source string, pages []*schema.Document) ([]rag.Document, error) {
	parts, err := p.splitter.Transform(ctx, pages)
	if err != nil {
		return nil, fmt.Errorf("ingestion: split %s: %w", source, err)
	}

	chunks := make([]rag.Document, 0, len(parts))
	for _, part := range parts {
		content := strings.TrimSpace(part.Content)
		if content == "" {
			continue
		}
		meta := stringMetadata(part.MetaData)
		idx := len(chunks)
		meta[MetaChunk] = strconv.Itoa(idx)
		chunks = append(chunks, rag.Document{
			ID:       ChunkID(source, idx),
			Content:  content,
			Source:   source,
			Metadata: meta,
		})
	}
	return chunks, nil
}

// replaceSource drops what an earlier run stored for source when the store
// supports it. Chunk IDs alone would leave the tail of a longer revision.
func (p *Pipeline) replaceSource(ctx context.Context, source string) error {
	d, ok := p.store.(rag.SourceDeleter)
	if !ok {
		return nil
	}
	if err := d.DeleteSource(ctx, source); err != nil {
		return fmt.Errorf("ingestion: %s: remove previous chunks: %w", source, err)
	}
	return nil
}

// storeBatch embeds and upserts one batch of chunks.
func (p *Pipeline) storeBatch(ctx context.Context, chunks []rag.Document) error {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	embeddings, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding failed: %w", err)
	}
	if err := p.store.Upsert(ctx, chunks, embeddings); err != nil {
		return fmt.Errorf("upsert failed: %w", err)
	}
	return nil
}

// ChunkID returns the UUIDv5 of "source#index".
func ChunkID(source string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", source, index))).String()
}

// stringMetadata keeps the public metadata keys as strings. Parser-internal
// keys (leading underscore) are dropped.
func stringMetadata(in map[string]any) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		if strings.HasPrefix(k, "_") || v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
