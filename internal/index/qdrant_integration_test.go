//go:build integration

package index

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/ragchat/internal/rag"
)

// TestQdrant_Integration rebuilds a throwaway alias on a running Qdrant
// instance and checks publication, cleanup and search ordering end-to-end.
//
// Prerequisites:
//
//	docker run -p 6334:6334 qdrant/qdrant
//
// Run with:
//
//	go test -tags=integration -run TestQdrant_Integration ./internal/index/
//
// In CI, set QDRANT_HOST and QDRANT_PORT if Qdrant is not on localhost:6334.
func TestQdrant_Integration(t *testing.T) {
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if v := os.Getenv("QDRANT_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		require.NoError(t, err, "QDRANT_PORT")
		port = p
	}
	alias := fmt.Sprintf("ragchat-it-%d", time.Now().UnixNano())

	q, err := NewQdrant(QdrantConfig{Host: host, Port: port, Collection: alias, BatchSize: 8},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() failed: %v\n\nEnsure Qdrant is reachable on %s:%d", err, host, port)
	}
	t.Cleanup(func() {
		names, _ := q.client.ListCollections(context.Background())
		for _, n := range names {
			if strings.HasPrefix(n, alias) {
				q.dropCollection(n)
			}
		}
		_ = q.Close()
	})

	_, ok, err := q.Manifest(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "fresh alias has no manifest")

	t.Run("first rebuild publishes and reads back the manifest", func(t *testing.T) {
		entries := tiedEntries("first.txt", 24)
		require.NoError(t, q.Rebuild(ctx, entries, rag.Manifest{Fingerprint: "fp-1", Model: "test"}))

		man, ok, err := q.Manifest(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "fp-1", man.Fingerprint)
		assert.Equal(t, "test", man.Model)
		assert.Equal(t, 24, man.Chunks)
		assert.Equal(t, 1, man.Documents)
		assert.Equal(t, 3, man.Dimension)
	})

	t.Run("ties come back in insertion order", func(t *testing.T) {
		// All 24 points score the same, which is more than k plus the
		// over-fetch, so the page has to widen to find the earliest.
		for _, k := range []int{1, 3, 24, 50} {
			hits, err := q.Search(ctx, []float32{1, 0, 0}, k)
			require.NoError(t, err)
			require.Len(t, hits, min(k, 24))
			for i, h := range hits {
				assert.Equal(t, i, h.Ordinal, "k=%d position %d", k, i)
				assert.Equal(t, "first.txt", h.Source)
			}
		}
	})

	first, err := q.target(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	t.Run("second rebuild retargets the alias and drops the old collection", func(t *testing.T) {
		entries := []rag.Entry{
			qentry("second.txt", 0, "east", 0, 1, 0),
			qentry("second.txt", 1, "north", 1, 0, 0),
		}
		require.NoError(t, q.Rebuild(ctx, entries, rag.Manifest{Fingerprint: "fp-2", Model: "test"}))

		second, err := q.target(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		exists, err := q.client.CollectionExists(ctx, first)
		require.NoError(t, err)
		assert.False(t, exists, "previous collection is dropped after the swap")

		man, ok, err := q.Manifest(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "fp-2", man.Fingerprint)
		assert.Equal(t, 2, man.Chunks)

		hits, err := q.Search(ctx, []float32{1, 0, 0}, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "north", hits[0].Content)
	})

	t.Run("failed rebuild leaves the alias and drops its staging collection", func(t *testing.T) {
		before, err := q.target(ctx)
		require.NoError(t, err)

		bad := []rag.Entry{qentry("bad.txt", 0, "bad", 1, 1, 1)}
		bad[0].Chunk.ID = "not-a-uuid"
		err = q.Rebuild(ctx, bad, rag.Manifest{Fingerprint: "fp-bad"})
		var perr *PersistenceError
		require.ErrorAs(t, err, &perr)

		after, err := q.target(ctx)
		require.NoError(t, err)
		assert.Equal(t, before, after)

		names, err := q.client.ListCollections(ctx)
		require.NoError(t, err)
		var ours []string
		for _, n := range names {
			if strings.HasPrefix(n, alias) {
				ours = append(ours, n)
			}
		}
		assert.Equal(t, []string{after}, ours, "only the published collection remains")

		man, _, err := q.Manifest(ctx)
		require.NoError(t, err)
		assert.Equal(t, "fp-2", man.Fingerprint)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := q.Search(ctx, []float32{1, 0}, 1)
		require.ErrorIs(t, err, ErrDimensionMismatch)
	})

	// Keep the alias tidy for anyone inspecting the instance afterwards.
	_ = q.client.UpdateAliases(ctx, []*qdrant.AliasOperations{qdrant.NewAliasDelete(alias)})
}

func qentry(source string, ordinal int, content string, vec ...float32) rag.Entry {
	return rag.Entry{
		Chunk: rag.Chunk{
			ID:      uuid.NewString(),
			Source:  source,
			Ordinal: ordinal,
			Content: content,
		},
		Vector: vec,
	}
}

// tiedEntries returns n chunks of source that all share one vector.
func tiedEntries(source string, n int) []rag.Entry {
	out := make([]rag.Entry, n)
	for i := range out {
		out[i] = qentry(source, i, fmt.Sprintf("tied %d", i), 1, 0, 0)
	}
	return out
}
