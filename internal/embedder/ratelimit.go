package embedder

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/54b3r/ragchat/internal/rag"
)

// RateLimited wraps an embedder with a token-bucket limit on outgoing
// requests. One Embed call consumes one token regardless of batch size.
type RateLimited struct {
	next    rag.Embedder
	limiter *rate.Limiter
}

// NewRateLimited allows rps requests per second with the given burst.
func NewRateLimited(next rag.Embedder, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Model returns the wrapped embedder's model name.
func (r *RateLimited) Model() string { return ModelOf(r.next) }

// Embed waits for a token, then delegates.
func (r *RateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, rag.WrapEmbedding(r.Model(), len(texts), err)
	}
	return r.next.Embed(ctx, texts)
}
