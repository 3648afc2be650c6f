// Package rag defines the types and interfaces shared by the retrieval
// components: chunks, embedding vectors, the vector index, and embedding.
// Concrete implementations (local snapshot files, Qdrant, Ollama, etc.)
// satisfy these interfaces so the engine never depends on a specific backend.
package rag

import (
	"context"
	"time"
)

// Chunk is a contiguous span of text from one document, the unit of retrieval.
type Chunk struct {
	// ID is a deterministic identifier derived from Source and Ordinal.
	ID string

	// Source is the name of the document the chunk was cut from.
	Source string

	// Ordinal is the 0-based position of the chunk within its document.
	Ordinal int

	// Unit is the loader unit (page number for PDFs, 0 otherwise) the chunk
	// belongs to.
	Unit int

	// Content is the chunk text.
	Content string
}

// ScoredChunk is a Chunk returned from a similarity search.
type ScoredChunk struct {
	Chunk

	// Score is the cosine similarity between the query and the chunk vector.
	Score float32
}

// Entry pairs a chunk with its embedding vector. Entries are immutable once
// built and are recomputed on every rebuild.
type Entry struct {
	Chunk  Chunk
	Vector []float32
}

// Manifest describes a published index: what it was built from and with.
type Manifest struct {
	// Fingerprint identifies the document set the index was built from.
	Fingerprint string `json:"fingerprint"`

	// Model is the embedding model that produced the vectors.
	Model string `json:"model"`

	// Dimension is the vector length. Zero when the index holds no entries.
	Dimension int `json:"dimension"`

	// Chunks is the number of entries in the index.
	Chunks int `json:"chunks"`

	// Documents is the number of documents that contributed at least one chunk.
	Documents int `json:"documents"`

	// BuiltAt is when the rebuild that produced the index completed.
	BuiltAt time.Time `json:"built_at"`
}

// VectorIndex stores embedded chunks and answers nearest-neighbour queries.
// Implementations must be safe to call from multiple goroutines; Search must
// never observe a partially rebuilt index.
type VectorIndex interface {
	// Rebuild replaces the entire index content with entries. The new
	// content becomes visible to Search only once it is fully written.
	// On error the previously published index remains in effect.
	Rebuild(ctx context.Context, entries []Entry, m Manifest) error

	// Search returns up to k chunks ordered by descending score. Ties keep
	// the order in which entries were given to Rebuild. An empty or
	// uninitialised index yields an empty slice.
	Search(ctx context.Context, vector []float32, k int) ([]ScoredChunk, error)

	// Manifest returns the manifest of the published index. ok is false when
	// nothing has been published yet.
	Manifest(ctx context.Context) (m Manifest, ok bool, err error)

	// Close releases any resources held by the index.
	Close() error
}

// Embedder is the interface for converting text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever is the high-level interface used by the chat layer to fetch
// relevant passages for a query.
type Retriever interface {
	// Retrieve returns the texts of the k chunks most relevant to query.
	Retrieve(ctx context.Context, query string, k int) ([]string, error)
}

type queryKey struct{}

// ForQuery marks ctx as carrying a search query rather than document text.
// Embedders whose backend distinguishes the two (Gemini task types, for
// instance) read the mark with IsQuery; the rest ignore it.
func ForQuery(ctx context.Context) context.Context {
	return context.WithValue(ctx, queryKey{}, true)
}

// IsQuery reports whether ctx was marked by ForQuery.
func IsQuery(ctx context.Context) bool {
	v, _ := ctx.Value(queryKey{}).(bool)
	return v
}
