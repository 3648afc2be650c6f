package index

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/54b3r/ragchat/internal/rag"
)

// Backend names accepted by INDEX_BACKEND.
const (
	BackendLocal  = "local"
	BackendQdrant = "qdrant"
	BackendMemory = "memory"
)

// DefaultDir is the local snapshot directory used when INDEX_DIR is unset.
const DefaultDir = "./vectorstore"

// NewFromEnv opens the vector index selected by INDEX_BACKEND.
//
// Environment variables:
//
//	INDEX_BACKEND = local | qdrant | memory (default: local)
//	INDEX_DIR     = snapshot directory for the local backend (default: ./vectorstore)
//	QDRANT_HOST, QDRANT_PORT, QDRANT_COLLECTION, QDRANT_API_KEY, QDRANT_TLS
func NewFromEnv(log *slog.Logger) (rag.VectorIndex, error) {
	switch b := envOr("INDEX_BACKEND", BackendLocal); b {
	case BackendLocal:
		return OpenLocal(envOr("INDEX_DIR", DefaultDir), log)
	case BackendQdrant:
		port, _ := strconv.Atoi(os.Getenv("QDRANT_PORT"))
		tls, _ := strconv.ParseBool(os.Getenv("QDRANT_TLS"))
		return NewQdrant(QdrantConfig{
			Host:       os.Getenv("QDRANT_HOST"),
			Port:       port,
			Collection: os.Getenv("QDRANT_COLLECTION"),
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     tls,
		}, log)
	case BackendMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("index: unknown backend %q (valid values: local, qdrant, memory)", b)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
