package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/medibot-go/internal/ingestion"
	"github.com/54b3r/medibot-go/internal/logging"
)

// NewIngestCmd constructs the `medibot ingest` command, which loads
// documents, splits them into chunks and indexes them in Qdrant.
func NewIngestCmd() *cobra.Command {
	var paths []string
	var urls []string
	var chunkSize int
	var chunkOverlap int
	var batchSize int
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Index medical documents into the Qdrant vector store",
		Long: `Load PDFs, text and markdown files, directories or web pages, split them
into overlapping chunks and store their embeddings in Qdrant.

Chunk ids are derived from the source and chunk position, so re-ingesting
the same document overwrites its chunks instead of duplicating them.

Environment variables:
  QDRANT_HOST          Qdrant server hostname (default: localhost)
  QDRANT_PORT          Qdrant gRPC port (default: 6334)
  QDRANT_COLLECTION    Collection name (default: medicalbot)
  QDRANT_API_KEY       Optional API key for authenticated clusters
  EMBEDDING_PROVIDER   Embedding backend: openai, azure, ollama, gemini (default: MODEL_PROVIDER)
  EMBEDDING_*          Provider-specific overrides

Examples:
  medibot ingest --path data/Medical_book.pdf
  medibot ingest --path data/ --chunk-size 800
  medibot ingest --url https://medlineplus.gov/anemia.html`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			if len(paths) == 0 && len(urls) == 0 {
				return fmt.Errorf("ingest: at least one --path or --url is required")
			}

			sources, err := ingestion.ExpandSources(paths, urls)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			if len(sources) == 0 {
				return fmt.Errorf("ingest: no supported documents found (pdf, txt, md)")
			}

			qs, emb, err := buildVectorStore(ctx, log)
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer qs.Close()

			pipeline, err := ingestion.NewPipeline(ctx, emb, qs, &ingestion.Config{
				ChunkSize:    chunkSize,
				ChunkOverlap: chunkOverlapConfig(chunkOverlap),
				BatchSize:    batchSize,
				HTTPTimeout:  timeout,
			})
			if err != nil {
				return fmt.Errorf("ingest: failed to create pipeline: %w", err)
			}

			log.Info("starting ingestion", slog.Int("sources", len(sources)))

			stats, err := pipeline.Ingest(ctx, sources, func(msg string) {
				log.Info(msg)
			})
			if err != nil {
				return fmt.Errorf("ingest: pipeline failed: %w", err)
			}

			attrs := []any{
				slog.Int("sources", stats.Sources),
				slog.Int("pages", stats.Pages),
				slog.Int("chunks", stats.Chunks),
			}
			if total, err := qs.Count(ctx); err == nil {
				attrs = append(attrs, slog.Uint64("collection_points", total))
			}
			log.Info("ingestion complete", attrs...)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&paths, "path", nil, "File or directory to ingest (repeatable)")
	cmd.Flags().StringArrayVarP(&urls, "url", "u", nil, "Web page or document URL to ingest (repeatable)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", ingestion.DefaultChunkSize, "Maximum characters per chunk")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", ingestion.DefaultChunkOverlap, "Characters shared by consecutive chunks (0 disables overlap)")
	cmd.Flags().IntVar(&batchSize, "batch-size", ingestion.DefaultBatchSize, "Chunks embedded per request")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Timeout for each URL fetch")

	return cmd
}

// chunkOverlapConfig maps the --chunk-overlap flag onto ingestion.Config,
// where zero selects the default.
func chunkOverlapConfig(flag int) int {
	if flag <= 0 {
		return ingestion.NoChunkOverlap
	}
	return flag
}
