// Package rag defines the retrieval side of the chatbot: the vector store
// that holds embedded document chunks, the embedder that turns text into
// vectors, and the retriever that combines both to answer "which chunks are
// most similar to this question".
package rag

import (
	"context"
)

// Document is one embedded chunk of a source document.
type Document struct {
	// ID is the unique identifier for this chunk (a UUID string).
	ID string

	// Content is the raw text of the chunk.
	Content string

	// Source is the origin file path or URL.
	Source string

	// Metadata holds string key-value pairs (format, title, page, chunk_index).
	Metadata map[string]string

	// Score is the similarity score assigned during retrieval. Zero means
	// the document was not produced by a search.
	Score float32
}

// VectorStore persists and searches document embeddings.
// Implementations must be safe to call from multiple goroutines.
type VectorStore interface {
	// Upsert stores or updates docs with their pre-computed embeddings.
	// embeddings[i] is the vector for docs[i].
	Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error

	// Search returns the topK documents most similar to queryEmbedding,
	// best match first.
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error)

	// Delete removes documents by ID.
	Delete(ctx context.Context, ids []string) error

	// Close releases any resources held by the store.
	Close() error
}

// SourceDeleter is implemented by stores that can drop every chunk of one
// source. Re-ingestion uses it to remove chunks a shorter revision of the
// document no longer has.
type SourceDeleter interface {
	DeleteSource(ctx context.Context, source string) error
}

// Embedder converts text into dense vectors.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever fetches the chunks relevant to a natural language query.
// Implementations must be safe to call from multiple goroutines.
type Retriever interface {
	// Retrieve returns up to topK documents; topK <= 0 selects the
	// implementation's default.
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}
