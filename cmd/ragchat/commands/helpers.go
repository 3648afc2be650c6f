package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/cloudwego/eino/components/model"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragchat/internal/chat"
	"github.com/54b3r/ragchat/internal/docstore"
	"github.com/54b3r/ragchat/internal/embedder"
	"github.com/54b3r/ragchat/internal/engine"
	"github.com/54b3r/ragchat/internal/index"
	"github.com/54b3r/ragchat/internal/provider"
	"github.com/54b3r/ragchat/internal/rag"
	"github.com/54b3r/ragchat/internal/server"
	"github.com/54b3r/ragchat/internal/store"
)

// defaultDocsDir is the document directory used when DOCS_DIR is unset.
const defaultDocsDir = "./documents"

// historyDisabled is the RAGCHAT_HISTORY_DB value that turns history off.
const historyDisabled = "disabled"

// corpus bundles the engine with the collaborators it was built from, so
// commands can probe or close them individually.
type corpus struct {
	engine   *engine.Engine
	index    rag.VectorIndex
	embedder rag.Embedder
}

// Close releases the index and, when the embedder holds a connection (the
// Redis cache), the embedder.
func (c *corpus) Close() {
	_ = c.engine.Close()
	if closer, ok := c.embedder.(io.Closer); ok {
		_ = closer.Close()
	}
}

// openCorpus builds the retrieval engine from the environment. reg receives
// the engine metrics; nil keeps them private. progress may be nil.
func openCorpus(ctx context.Context, log *slog.Logger, reg prometheus.Registerer, progress func(string)) (*corpus, error) {
	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv(ctx, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised",
		slog.String("backend", embedder.Backend()),
		slog.String("model", embedder.ModelOf(emb)),
	)

	docs, err := docstore.Open(getEnvOrDefault("DOCS_DIR", defaultDocsDir))
	if err != nil {
		return nil, err
	}

	idx, err := index.NewFromEnv(log)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(ctx, engine.Options{
		Docs:       docs,
		Index:      idx,
		Embedder:   emb,
		Config:     engine.ConfigFromEnv(),
		Registerer: reg,
		Logger:     log,
		Progress:   progress,
	})
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	return &corpus{engine: eng, index: idx, embedder: emb}, nil
}

// openHistory opens the conversation store named by RAGCHAT_HISTORY_DB
// (default ~/.ragchat/history.db). It returns a nil store and a no-op
// closer when history is disabled.
func openHistory(log *slog.Logger) (*store.SQLiteStore, func(), error) {
	dbPath := os.Getenv("RAGCHAT_HISTORY_DB")
	if dbPath == historyDisabled {
		log.Info("history: disabled via RAGCHAT_HISTORY_DB=disabled")
		return nil, func() {}, nil
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return nil, nil, err
		}
	}
	hs, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	log.Debug("history: store opened", slog.String("path", dbPath))
	return hs, func() { _ = hs.Close() }, nil
}

// asConversationStore keeps a nil *SQLiteStore from becoming a non-nil
// interface value.
func asConversationStore(hs *store.SQLiteStore) store.ConversationStore {
	if hs == nil {
		return nil
	}
	return hs
}

// buildAssistant wires the chat model, the engine and the history store
// into a chat.Assistant configured from CHAT_* variables.
func buildAssistant(chatModel model.BaseChatModel, c *corpus, history store.ConversationStore) (*chat.Assistant, error) {
	return chat.New(&chat.Config{
		ChatModel:        chatModel,
		Retriever:        c.engine,
		TopK:             c.engine.Config().TopK,
		History:          history,
		HistoryDepth:     getEnvInt("CHAT_HISTORY_DEPTH", chat.DefaultHistoryDepth),
		MaxContextTokens: getEnvInt("CHAT_MAX_CONTEXT_TOKENS", 0),
		Language:         getEnvOrDefault("CHAT_LANGUAGE", chat.DefaultLanguage),
	})
}

// buildPingers returns the readiness probes for the chat model, the
// embedder and, when the index is Qdrant, the Qdrant server.
func buildPingers(chatModel model.BaseChatModel, providerCfg *provider.Config, c *corpus) []server.Pinger {
	pingers := []server.Pinger{
		server.NewLLMPinger(chatModel, providerCfg.HealthCheck(), string(providerCfg.Backend)),
		server.NewEmbedderPinger(c.embedder, "embedder"),
	}
	if q, ok := c.index.(*index.Qdrant); ok {
		pingers = append(pingers, server.NewQdrantPinger(q))
	}
	return pingers
}

// getEnvOrDefault returns the value of key, or fallback if unset.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of key, or fallback if unset or invalid.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
