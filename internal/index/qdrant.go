package index

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/ragchat/internal/rag"
)

// manifestKey is the collection metadata key holding the JSON manifest.
const manifestKey = "ragchat_manifest"

// defaultUpsertBatch is the number of points sent per Upsert call.
const defaultUpsertBatch = 256

// QdrantConfig holds connection parameters for a Qdrant instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the alias that always points at the published
	// collection. Rebuilds create "<Collection>-<unix nanos>" collections.
	Collection string

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// BatchSize is the number of points per upsert request (default 256).
	BatchSize int
}

// Qdrant is a rag.VectorIndex backed by a Qdrant instance. Each rebuild is
// staged in a fresh collection; publication is a single UpdateAliases call
// that moves the alias, which Qdrant applies atomically.
type Qdrant struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration.
	cfg QdrantConfig

	log *slog.Logger
}

// NewQdrant connects to Qdrant. It does not create anything; the first
// Rebuild creates the first collection and the alias.
func NewQdrant(cfg QdrantConfig, log *slog.Logger) (*Qdrant, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "ragchat"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultUpsertBatch
	}
	if log == nil {
		log = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}
	return &Qdrant{client: client, cfg: cfg, log: log}, nil
}

// HealthCheck calls the Qdrant health endpoint. It backs the readiness probe.
func (q *Qdrant) HealthCheck(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant: health check: %w", err)
	}
	return nil
}

// Rebuild stages entries in a new collection and moves the alias onto it.
// The previous collection is dropped after the swap; on failure the staging
// collection is dropped and the alias is untouched.
func (q *Qdrant) Rebuild(ctx context.Context, entries []rag.Entry, man rag.Manifest) error {
	snap, err := newSnapshot(entries, man)
	if err != nil {
		return err
	}
	man = snap.manifest

	staging := fmt.Sprintf("%s-%d", q.cfg.Collection, time.Now().UnixNano())
	raw, err := json.Marshal(man)
	if err != nil {
		return fmt.Errorf("qdrant: marshal manifest: %w", err)
	}
	size := uint64(max(man.Dimension, 1))
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: staging,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     size,
			Distance: qdrant.Distance_Cosine,
		}),
		Metadata: map[string]*qdrant.Value{manifestKey: qdrant.NewValueString(string(raw))},
	})
	if err != nil {
		return persistErr("create collection", fmt.Errorf("%s: %w", staging, err))
	}

	published := false
	defer func() {
		if !published {
			q.dropCollection(staging)
		}
	}()

	if err := q.upsertAll(ctx, staging, snap.entries); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	previous, err := q.target(ctx)
	if err != nil {
		return persistErr("resolve alias", err)
	}
	ops := make([]*qdrant.AliasOperations, 0, 2)
	if previous != "" {
		ops = append(ops, qdrant.NewAliasDelete(q.cfg.Collection))
	}
	ops = append(ops, qdrant.NewAliasCreate(q.cfg.Collection, staging))
	if err := q.client.UpdateAliases(ctx, ops); err != nil {
		return persistErr("publish", err)
	}
	published = true

	if previous != "" && previous != staging {
		q.dropCollection(previous)
	}
	q.log.Debug("qdrant: published",
		slog.String("alias", q.cfg.Collection),
		slog.String("collection", staging),
		slog.Int("chunks", man.Chunks),
	)
	return nil
}

// upsertAll writes entries to collection in batches, waiting for each batch
// to be applied.
func (q *Qdrant) upsertAll(ctx context.Context, collection string, entries []rag.Entry) error {
	for start := 0; start < len(entries); start += q.cfg.BatchSize {
		end := min(start+q.cfg.BatchSize, len(entries))
		points := make([]*qdrant.PointStruct, 0, end-start)
		for i := start; i < end; i++ {
			c := entries[i].Chunk
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(c.ID),
				Vectors: qdrant.NewVectors(entries[i].Vector...),
				Payload: qdrant.NewValueMap(map[string]any{
					"content": c.Content,
					"source":  c.Source,
					"ordinal": c.Ordinal,
					"unit":    c.Unit,
					"seq":     i,
				}),
			})
		}
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		if err != nil {
			return persistErr("write", fmt.Errorf("upsert batch at %d: %w", start, err))
		}
	}
	return nil
}

// tieOverfetch is how many points beyond k a search asks for, so chunks tied
// with the k-th score can be re-ordered by sequence before truncating.
const tieOverfetch = 16

// Search queries the collection behind the alias. Qdrant orders by score
// only, so results are fetched past k, re-sorted stably by score then
// insertion sequence, and truncated. If the tie at the k-th score runs past
// the fetched page, the page is widened until it does not.
func (q *Qdrant) Search(ctx context.Context, vector []float32, k int) ([]rag.ScoredChunk, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	man, ok, err := q.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	if !ok || man.Chunks == 0 {
		return []rag.ScoredChunk{}, nil
	}
	if len(vector) != man.Dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), man.Dimension)
	}

	limit := min(k+tieOverfetch, man.Chunks)
	for {
		hits, err := q.query(ctx, vector, limit)
		if err != nil {
			return nil, err
		}
		if limit >= man.Chunks || !tieRunsPast(hits, k, limit) {
			return rankHits(hits, k), nil
		}
		limit = min(limit*2, man.Chunks)
	}
}

// seqHit is a search hit with the insertion sequence stored in its payload.
type seqHit struct {
	rag.ScoredChunk
	seq int64
}

func (q *Qdrant) query(ctx context.Context, vector []float32, limit int) ([]seqHit, error) {
	n := uint64(limit)
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &n,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	hits := make([]seqHit, 0, len(results))
	for _, r := range results {
		h := seqHit{ScoredChunk: rag.ScoredChunk{Score: r.GetScore()}}
		h.ID = r.GetId().GetUuid()
		p := r.GetPayload()
		h.Content = p["content"].GetStringValue()
		h.Source = p["source"].GetStringValue()
		h.Ordinal = int(p["ordinal"].GetIntegerValue())
		h.Unit = int(p["unit"].GetIntegerValue())
		h.seq = p["seq"].GetIntegerValue()
		hits = append(hits, h)
	}
	return hits, nil
}

// tieRunsPast reports whether a full page of hits ends on the same score as
// its k-th hit, meaning more tied points may lie beyond the page.
func tieRunsPast(hits []seqHit, k, limit int) bool {
	if len(hits) < limit || len(hits) <= k {
		return false
	}
	return hits[len(hits)-1].Score == hits[k-1].Score
}

// rankHits orders hits by descending score then ascending sequence and keeps
// the first k.
func rankHits(hits []seqHit, k int) []rag.ScoredChunk {
	slices.SortStableFunc(hits, func(a, b seqHit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	hits = hits[:min(k, len(hits))]
	out := make([]rag.ScoredChunk, len(hits))
	for i, h := range hits {
		out[i] = h.ScoredChunk
	}
	return out
}

// Manifest reads the manifest stored in the metadata of the collection the
// alias points at.
func (q *Qdrant) Manifest(ctx context.Context) (rag.Manifest, bool, error) {
	target, err := q.target(ctx)
	if err != nil {
		return rag.Manifest{}, false, persistErr("resolve alias", err)
	}
	if target == "" {
		return rag.Manifest{}, false, nil
	}
	info, err := q.client.GetCollectionInfo(ctx, target)
	if err != nil {
		return rag.Manifest{}, false, persistErr("load", fmt.Errorf("collection %s: %w", target, err))
	}
	raw := info.GetConfig().GetMetadata()[manifestKey].GetStringValue()
	if raw == "" {
		return rag.Manifest{}, false, persistErr("load", fmt.Errorf("collection %s has no manifest", target))
	}
	var man rag.Manifest
	if err := json.Unmarshal([]byte(raw), &man); err != nil {
		return rag.Manifest{}, false, persistErr("load", fmt.Errorf("decode manifest: %w", err))
	}
	return man, true, nil
}

// target returns the collection the alias currently points at, or "" when
// the alias does not exist yet.
func (q *Qdrant) target(ctx context.Context) (string, error) {
	aliases, err := q.client.ListAliases(ctx)
	if err != nil {
		return "", fmt.Errorf("qdrant: list aliases: %w", err)
	}
	for _, a := range aliases {
		if a.GetAliasName() == q.cfg.Collection {
			return a.GetCollectionName(), nil
		}
	}
	return "", nil
}

// dropCollection deletes a collection on a detached context so cleanup still
// runs when the rebuild was cancelled.
func (q *Qdrant) dropCollection(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.client.DeleteCollection(ctx, name); err != nil {
		q.log.Warn("qdrant: failed to drop collection",
			slog.String("collection", name),
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the underlying Qdrant gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}
