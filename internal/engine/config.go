package engine

import (
	"os"
	"strconv"
	"time"

	"github.com/54b3r/ragchat/internal/chunker"
	"github.com/54b3r/ragchat/internal/ingestion"
	"github.com/54b3r/ragchat/internal/loader"
)

// DefaultTopK is the number of passages returned when the caller passes k < 1.
const DefaultTopK = 5

// Config holds the engine's tunables.
type Config struct {
	// ChunkSize is the maximum number of characters per chunk (default 500).
	ChunkSize int
	// ChunkOverlap is the number of characters shared by consecutive chunks
	// (default 50).
	ChunkOverlap int
	// TopK is the default number of passages to retrieve (default 5).
	TopK int
	// BatchSize is the number of chunks per embedding call (default 32).
	BatchSize int
	// PageTimeout bounds text extraction of a single PDF page (default 10s).
	PageTimeout time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ChunkSize:    chunker.DefaultChunkSize,
		ChunkOverlap: chunker.DefaultChunkOverlap,
		TopK:         DefaultTopK,
		BatchSize:    ingestion.DefaultBatchSize,
		PageTimeout:  loader.DefaultPageTimeout,
	}
}

// ConfigFromEnv reads CHUNK_SIZE, CHUNK_OVERLAP, RETRIEVAL_TOP_K,
// EMBEDDING_BATCH_SIZE and PDF_PAGE_TIMEOUT over DefaultConfig. Unparseable
// values fall back to the default.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = envInt("CHUNK_SIZE", cfg.ChunkSize)
	cfg.ChunkOverlap = envInt("CHUNK_OVERLAP", cfg.ChunkOverlap)
	cfg.TopK = envInt("RETRIEVAL_TOP_K", cfg.TopK)
	cfg.BatchSize = envInt("EMBEDDING_BATCH_SIZE", cfg.BatchSize)
	if v := os.Getenv("PDF_PAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PageTimeout = d
		}
	}
	return cfg
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
