package index

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/54b3r/ragchat/internal/rag"
)

// snapshot is an immutable published index. It is replaced wholesale, never
// mutated, so readers holding a pointer always see a consistent view.
type snapshot struct {
	entries  []rag.Entry
	manifest rag.Manifest
}

// search scores every entry by brute force. Entries keep their rebuild order,
// so a stable sort on score alone breaks ties by insertion order.
func (s *snapshot) search(vector []float32, k int) ([]rag.ScoredChunk, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	if len(s.entries) == 0 {
		return []rag.ScoredChunk{}, nil
	}
	if len(vector) != s.manifest.Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), s.manifest.Dimension)
	}

	scored := make([]rag.ScoredChunk, len(s.entries))
	for i, e := range s.entries {
		scored[i] = rag.ScoredChunk{Chunk: e.Chunk, Score: rag.Cosine(vector, e.Vector)}
	}
	slices.SortStableFunc(scored, func(a, b rag.ScoredChunk) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// Memory is a rag.VectorIndex held entirely in process memory. Rebuild
// publishes a new snapshot with a single atomic pointer swap.
type Memory struct {
	current atomic.Pointer[snapshot]
}

// NewMemory returns an empty, unpublished in-memory index.
func NewMemory() *Memory {
	return &Memory{}
}

// Rebuild validates entries and publishes them as the new snapshot.
func (m *Memory) Rebuild(ctx context.Context, entries []rag.Entry, man rag.Manifest) error {
	snap, err := newSnapshot(entries, man)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.current.Store(snap)
	return nil
}

// Search returns the k entries most similar to vector.
func (m *Memory) Search(_ context.Context, vector []float32, k int) ([]rag.ScoredChunk, error) {
	snap := m.current.Load()
	if snap == nil {
		if k < 1 {
			return nil, ErrInvalidK
		}
		return []rag.ScoredChunk{}, nil
	}
	return snap.search(vector, k)
}

// Manifest returns the manifest of the published snapshot.
func (m *Memory) Manifest(context.Context) (rag.Manifest, bool, error) {
	snap := m.current.Load()
	if snap == nil {
		return rag.Manifest{}, false, nil
	}
	return snap.manifest, true, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// newSnapshot copies entries into a snapshot, checking that every vector has
// the same length and filling in the manifest's derived fields.
func newSnapshot(entries []rag.Entry, man rag.Manifest) (*snapshot, error) {
	dim := 0
	sources := make(map[string]struct{})
	for i, e := range entries {
		if len(e.Vector) == 0 {
			return nil, fmt.Errorf("index: entry %d (%s) has an empty vector", i, e.Chunk.ID)
		}
		if dim == 0 {
			dim = len(e.Vector)
		} else if len(e.Vector) != dim {
			return nil, fmt.Errorf("index: entry %d (%s) has dimension %d, want %d", i, e.Chunk.ID, len(e.Vector), dim)
		}
		sources[e.Chunk.Source] = struct{}{}
	}
	man.Dimension = dim
	man.Chunks = len(entries)
	man.Documents = len(sources)
	return &snapshot{entries: slices.Clone(entries), manifest: man}, nil
}
