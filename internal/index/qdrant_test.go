package index

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/54b3r/ragchat/internal/rag"
)

func hit(content string, score float32, seq int64) seqHit {
	return seqHit{ScoredChunk: rag.ScoredChunk{Chunk: rag.Chunk{Content: content}, Score: score}, seq: seq}
}

func contents(hits []rag.ScoredChunk) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.Content
	}
	return out
}

func TestRankHits_TiesBreakBySequenceBeforeTruncating(t *testing.T) {
	t.Parallel()
	// Qdrant's own order among equal scores is arbitrary.
	hits := []seqHit{
		hit("best", 0.9, 7),
		hit("late", 0.5, 9),
		hit("later", 0.5, 12),
		hit("early", 0.5, 2),
		hit("low", 0.1, 0),
	}
	assert.Equal(t, []string{"best", "early"}, contents(rankHits(hits, 2)))
}

func TestRankHits_FewerThanK(t *testing.T) {
	t.Parallel()
	hits := []seqHit{hit("b", 0.2, 1), hit("a", 0.2, 0)}
	assert.Equal(t, []string{"a", "b"}, contents(rankHits(hits, 5)))
	assert.Empty(t, rankHits(nil, 3))
}

func TestTieRunsPast(t *testing.T) {
	t.Parallel()
	page := []seqHit{hit("a", 0.9, 0), hit("b", 0.5, 1), hit("c", 0.5, 2), hit("d", 0.5, 3)}

	assert.True(t, tieRunsPast(page, 2, 4), "full page ending on the k-th score")
	assert.False(t, tieRunsPast(page, 1, 4), "k-th score differs from the last")
	assert.False(t, tieRunsPast(page, 2, 5), "short page means nothing beyond it")
	assert.False(t, tieRunsPast(page, 4, 4), "page no longer than k")
}
