package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/54b3r/ragchat/internal/rag"
)

// DefaultCacheTTL is how long cached vectors live when no TTL is configured.
const DefaultCacheTTL = 7 * 24 * time.Hour

// cachePrefix namespaces every key written by Cached.
const cachePrefix = "ragchat:emb:"

// Cached serves embeddings from Redis when the same model has already
// embedded the same text, and forwards only the misses. Redis failures are
// logged and treated as misses; they never fail an Embed call.
type Cached struct {
	next   rag.Embedder
	client *redis.Client
	model  string
	ttl    time.Duration
	log    *slog.Logger
}

// NewCached wraps next with a cache stored in client. model partitions the
// key space so switching models never returns stale vectors.
func NewCached(next rag.Embedder, client *redis.Client, model string, ttl time.Duration, log *slog.Logger) *Cached {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Cached{next: next, client: client, model: model, ttl: ttl, log: log}
}

// NewCachedFromURL connects to Redis at addr, which is either a redis:// URL
// or a bare host:port.
func NewCachedFromURL(next rag.Embedder, addr, model string, ttl time.Duration, log *slog.Logger) (*Cached, error) {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("embedder: parse EMBEDDING_CACHE_REDIS: %w", err)
		}
		opts = parsed
	}
	return NewCached(next, redis.NewClient(opts), model, ttl, log), nil
}

// Model returns the model name the cache is keyed on.
func (c *Cached) Model() string { return c.model }

// Close closes the Redis client.
func (c *Cached) Close() error { return c.client.Close() }

// Embed returns cached vectors for known texts and embeds the rest in a
// single call to the wrapped embedder.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(ctx, t)
	}

	out := make([][]float32, len(texts))
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("embedder: cache read failed", slog.String("error", err.Error()))
		vals = nil
	}
	var missIdx []int
	var missTexts []string
	for i := range texts {
		if i < len(vals) {
			if s, ok := vals[i].(string); ok {
				if v, err := rag.DecodeVector([]byte(s)); err == nil && len(v) > 0 {
					out[i] = v
					continue
				}
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, rag.WrapEmbedding(c.model, len(missTexts),
			fmt.Errorf("expected %d embeddings, got %d", len(missTexts), len(fresh)))
	}

	pipe := c.client.Pipeline()
	for j, i := range missIdx {
		out[i] = fresh[j]
		pipe.Set(ctx, keys[i], rag.EncodeVector(fresh[j]), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("embedder: cache write failed", slog.String("error", err.Error()))
	}
	return out, nil
}

// key partitions by model and by query versus document, since some backends
// embed the same text differently for each.
func (c *Cached) key(ctx context.Context, text string) string {
	sum := sha256.Sum256([]byte(text))
	kind := "d:"
	if rag.IsQuery(ctx) {
		kind = "q:"
	}
	return cachePrefix + c.model + ":" + kind + hex.EncodeToString(sum[:])
}
