// Package engine implements the retrieval engine: it keeps a vector index
// consistent with a directory of documents by rebuilding it in full whenever
// the document set changes, and serves top-k passages for free-text queries.
//
// Mutations (Reindex, Add, Remove) are serialized. Queries never wait on a
// rebuild; they read whichever index was last published.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ragchat/internal/chunker"
	"github.com/54b3r/ragchat/internal/docstore"
	"github.com/54b3r/ragchat/internal/embedder"
	"github.com/54b3r/ragchat/internal/ingestion"
	"github.com/54b3r/ragchat/internal/loader"
	"github.com/54b3r/ragchat/internal/rag"
)

// State is the lifecycle state of the engine's index.
type State string

const (
	// StateEmpty means no index has ever been published.
	StateEmpty State = "empty"
	// StateIndexed means the published index matches the document set.
	StateIndexed State = "indexed"
	// StateStale means the document set changed since the published index was
	// built. The stale index keeps serving queries until a rebuild succeeds.
	StateStale State = "stale"
)

// ErrNoIndexProduced is returned when a rebuild would publish nothing useful
// even though there was input: supported documents exist but none yielded a
// chunk, or every chunk failed to embed. The previously published index is
// kept.
var ErrNoIndexProduced = errors.New("engine: rebuild produced no index")

// Summary reports the outcome of a rebuild.
type Summary = ingestion.Summary

// Status is a point-in-time view of the engine.
type Status struct {
	State       State      `json:"state"`
	Chunks      int        `json:"chunks"`
	Documents   int        `json:"documents"`
	Fingerprint string     `json:"fingerprint,omitempty"`
	Model       string     `json:"model,omitempty"`
	BuiltAt     *time.Time `json:"built_at,omitempty"`
	Rebuilding  bool       `json:"rebuilding"`
	LastSummary *Summary   `json:"last_summary,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Options wires an Engine to its collaborators.
type Options struct {
	// Docs is the document directory the index is built from. Required.
	Docs *docstore.Store
	// Index is where entries are published and searched. Required.
	Index rag.VectorIndex
	// Embedder vectorises chunks and queries. Required.
	Embedder rag.Embedder
	// Config holds the tunables. Zero fields take the defaults.
	Config Config
	// Registerer receives the engine metrics. Nil uses a private registry.
	Registerer prometheus.Registerer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
	// Progress, if set, receives human-readable rebuild progress messages.
	Progress func(msg string)
}

// Engine is the retrieval engine. It is safe for concurrent use.
type Engine struct {
	docs     *docstore.Store
	index    rag.VectorIndex
	embedder rag.Embedder
	pipeline *ingestion.Pipeline
	cfg      Config
	model    string
	log      *slog.Logger
	metrics  *engineMetrics
	progress func(string)

	// sem serializes mutations. A channel rather than a mutex so waiting
	// callers can give up when their context ends.
	sem chan struct{}

	// requested is a ticket counter for Reindex calls. coveredThrough is the
	// highest ticket whose request was satisfied by a completed rebuild; it
	// is only touched while holding sem.
	requested      atomic.Uint64
	coveredThrough uint64

	mu          sync.RWMutex
	state       State
	manifest    *rag.Manifest
	lastSummary *Summary
	lastErr     error
	rebuilding  bool
}

// New builds an Engine and derives its initial state from the published
// manifest (if any) and the current document set.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Docs == nil {
		return nil, fmt.Errorf("engine: document store must not be nil")
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("engine: index must not be nil")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("engine: embedder must not be nil")
	}
	cfg := withDefaults(opts.Config)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	pipe, err := ingestion.NewPipeline(
		loader.New(loader.Config{PageTimeout: cfg.PageTimeout}, log),
		c, opts.Embedder, ingestion.Config{BatchSize: cfg.BatchSize}, log,
	)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	model := embedder.ModelOf(opts.Embedder)
	if model == "" {
		model = "unknown"
	}

	e := &Engine{
		docs:     opts.Docs,
		index:    opts.Index,
		embedder: opts.Embedder,
		pipeline: pipe,
		cfg:      cfg,
		model:    model,
		log:      log,
		metrics:  newEngineMetrics(opts.Registerer),
		progress: opts.Progress,
		sem:      make(chan struct{}, 1),
		state:    StateEmpty,
	}

	man, ok, err := opts.Index.Manifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: read index manifest: %w", err)
	}
	if ok {
		e.manifest = &man
		e.metrics.indexChunks.Set(float64(man.Chunks))
	}
	if err := e.refreshState(ctx); err != nil {
		return nil, err
	}

	log.Info("engine: opened",
		slog.String("state", string(e.State())),
		slog.String("model", model),
		slog.Int("chunk_size", cfg.ChunkSize),
		slog.Int("chunk_overlap", cfg.ChunkOverlap),
	)
	return e, nil
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
		if cfg.ChunkOverlap <= 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
			cfg.ChunkOverlap = def.ChunkOverlap
		}
	}
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = def.PageTimeout
	}
	return cfg
}

// Config returns the resolved engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Model returns the embedding model name recorded in manifests.
func (e *Engine) Model() string { return e.model }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Status returns a snapshot of the engine state and the last rebuild.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	st := Status{State: e.state, Rebuilding: e.rebuilding}
	if e.manifest != nil {
		st.Chunks = e.manifest.Chunks
		st.Documents = e.manifest.Documents
		st.Fingerprint = e.manifest.Fingerprint
		st.Model = e.manifest.Model
		built := e.manifest.BuiltAt
		st.BuiltAt = &built
	}
	if e.lastSummary != nil {
		sum := *e.lastSummary
		st.LastSummary = &sum
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// MarkStale records that the document set changed outside the engine. An
// engine that has never published stays EMPTY.
func (e *Engine) MarkStale() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateIndexed {
		e.state = StateStale
	}
}

// Documents lists the document directory.
func (e *Engine) Documents(ctx context.Context) ([]docstore.Document, error) {
	return e.docs.List(ctx)
}

// Reindex rebuilds the index from the current document set. A caller that
// had to wait for another rebuild which started after its request returns
// that rebuild's summary with Coalesced set instead of rebuilding again.
func (e *Engine) Reindex(ctx context.Context) (Summary, error) {
	ticket := e.requested.Add(1)
	if err := e.lock(ctx); err != nil {
		return Summary{}, err
	}
	defer e.unlock()

	if e.coveredThrough >= ticket {
		e.mu.RLock()
		var sum Summary
		if e.lastSummary != nil {
			sum = *e.lastSummary
		}
		e.mu.RUnlock()
		sum.Coalesced = true
		e.metrics.rebuildsTotal.WithLabelValues("coalesced").Inc()
		e.log.Debug("engine: rebuild request coalesced", slog.Uint64("ticket", ticket))
		return sum, nil
	}
	return e.rebuildLocked(ctx)
}

// Add stores a document and rebuilds the index. The document stays in the
// directory even if the rebuild fails; the engine is then STALE.
func (e *Engine) Add(ctx context.Context, name string, r io.Reader) (docstore.Document, Summary, error) {
	if err := e.lock(ctx); err != nil {
		return docstore.Document{}, Summary{}, err
	}
	defer e.unlock()

	doc, err := e.docs.Add(ctx, name, r)
	if err != nil {
		return docstore.Document{}, Summary{}, err
	}
	e.MarkStale()
	e.log.Info("engine: document added", slog.String("document", name), slog.Int64("bytes", doc.Size))

	sum, err := e.rebuildLocked(ctx)
	return doc, sum, err
}

// Remove deletes a document and rebuilds the index so that none of its
// chunks can be returned afterwards. If the rebuild fails the old index keeps
// serving, but Search filters out the removed document while STALE.
func (e *Engine) Remove(ctx context.Context, name string) (Summary, error) {
	if err := e.lock(ctx); err != nil {
		return Summary{}, err
	}
	defer e.unlock()

	if err := e.docs.Remove(ctx, name); err != nil {
		return Summary{}, err
	}
	e.MarkStale()
	e.log.Info("engine: document removed", slog.String("document", name))

	return e.rebuildLocked(ctx)
}

// Retrieve returns the texts of the k chunks most relevant to query.
// k < 1 selects the configured default. An EMPTY engine or a blank query
// returns an empty slice without calling the embedder.
func (e *Engine) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	hits, err := e.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Content
	}
	return texts, nil
}

// Search is Retrieve with scores and sources.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]rag.ScoredChunk, error) {
	start := time.Now()
	defer func() { e.metrics.retrievalDurationSeconds.Observe(time.Since(start).Seconds()) }()

	if k < 1 {
		k = e.cfg.TopK
	}
	if e.State() == StateEmpty || strings.TrimSpace(query) == "" {
		e.metrics.retrievalsTotal.WithLabelValues("empty").Inc()
		return []rag.ScoredChunk{}, nil
	}

	vecs, err := e.embedder.Embed(rag.ForQuery(ctx), []string{query})
	if err == nil && (len(vecs) != 1 || len(vecs[0]) == 0) {
		err = fmt.Errorf("expected 1 embedding, got %d", len(vecs))
	}
	if err != nil {
		e.metrics.retrievalsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("engine: embed query: %w", rag.WrapEmbedding(e.model, 1, err))
	}

	present, limit, err := e.presentSources(ctx, k)
	if err != nil {
		e.metrics.retrievalsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	hits, err := e.index.Search(ctx, vecs[0], limit)
	if err != nil {
		e.metrics.retrievalsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("engine: search: %w", err)
	}
	if present != nil {
		hits = keepPresent(hits, present, k)
	}
	outcome := "ok"
	if len(hits) == 0 {
		outcome = "empty"
	}
	e.metrics.retrievalsTotal.WithLabelValues(outcome).Inc()
	return hits, nil
}

// presentSources returns the documents currently on disk when the published
// index is stale, so hits from removed documents can be dropped, along with
// the search limit to use. A nil set means every hit is valid. The stale
// index is searched in full so filtering cannot starve the result.
func (e *Engine) presentSources(ctx context.Context, k int) (map[string]struct{}, int, error) {
	e.mu.RLock()
	stale := e.state == StateStale
	limit := k
	if e.manifest != nil && e.manifest.Chunks > limit {
		limit = e.manifest.Chunks
	}
	e.mu.RUnlock()
	if !stale {
		return nil, k, nil
	}

	docs, err := e.docs.List(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: %w", err)
	}
	present := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		present[d.Name] = struct{}{}
	}
	return present, limit, nil
}

// keepPresent drops hits whose source is not in present and truncates to k,
// preserving order.
func keepPresent(hits []rag.ScoredChunk, present map[string]struct{}, k int) []rag.ScoredChunk {
	out := make([]rag.ScoredChunk, 0, min(k, len(hits)))
	for _, h := range hits {
		if _, ok := present[h.Source]; !ok {
			continue
		}
		out = append(out, h)
		if len(out) == k {
			break
		}
	}
	return out
}

// Watch rebuilds the index whenever the document directory changes on disk,
// until ctx is done. Changes the engine made itself are recognised by
// fingerprint and skipped.
func (e *Engine) Watch(ctx context.Context, debounce time.Duration) error {
	return e.docs.Watch(ctx, debounce, e.log, func() {
		docs, err := e.docs.List(ctx)
		if err != nil {
			e.log.Warn("engine: watch: list documents failed", slog.String("error", err.Error()))
			return
		}
		if e.matchesPublished(docstore.Fingerprint(docs)) {
			return
		}
		e.MarkStale()
		sum, err := e.Reindex(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.log.Error("engine: watch: rebuild failed", slog.String("error", err.Error()))
			}
			return
		}
		e.log.Info("engine: watch: rebuilt index",
			slog.Int("documents", sum.Documents),
			slog.Int("chunks", sum.Chunks),
			slog.Bool("coalesced", sum.Coalesced),
		)
	})
}

// Close releases the index.
func (e *Engine) Close() error {
	return e.index.Close()
}

func (e *Engine) lock(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) unlock() { <-e.sem }

// rebuildLocked runs one full rebuild. The caller holds sem.
func (e *Engine) rebuildLocked(ctx context.Context) (Summary, error) {
	start := e.requested.Load()
	began := time.Now()
	e.setRebuilding(true)
	defer e.setRebuilding(false)

	docs, err := e.docs.List(ctx)
	if err != nil {
		return e.fail(ctx, Summary{}, began, fmt.Errorf("engine: %w", err))
	}
	inputs := make([]ingestion.Input, 0, len(docs))
	for _, d := range docs {
		path, err := e.docs.Path(d.Name)
		if err != nil {
			return e.fail(ctx, Summary{}, began, fmt.Errorf("engine: %w", err))
		}
		inputs = append(inputs, ingestion.Input{Name: d.Name, Path: path})
	}

	e.log.Info("engine: rebuild started", slog.Int("documents", len(inputs)))
	entries, sum, err := e.pipeline.Run(ctx, inputs, e.progress)
	if err != nil {
		return e.fail(ctx, sum, began, fmt.Errorf("engine: rebuild: %w", err))
	}
	if sum.Supported() > 0 && sum.Failed == sum.Supported() {
		return e.fail(ctx, sum, began, fmt.Errorf("%w: none of %d documents could be loaded", ErrNoIndexProduced, sum.Failed))
	}
	if sum.Chunks == 0 && sum.FailedChunks > 0 {
		return e.fail(ctx, sum, began, fmt.Errorf("%w: all %d chunks failed to embed", ErrNoIndexProduced, sum.FailedChunks))
	}
	if sum.Supported() > 0 && sum.Chunks == 0 {
		return e.fail(ctx, sum, began, fmt.Errorf("%w: none of %d documents contained text", ErrNoIndexProduced, sum.Supported()))
	}

	man := rag.Manifest{
		Fingerprint: docstore.Fingerprint(docs),
		Model:       e.model,
		BuiltAt:     time.Now().UTC(),
	}
	if err := e.index.Rebuild(ctx, entries, man); err != nil {
		return e.fail(ctx, sum, began, fmt.Errorf("engine: publish index: %w", err))
	}
	published, ok, err := e.index.Manifest(ctx)
	if err != nil || !ok {
		// The index is published; fall back to what we asked it to store.
		published = man
		published.Chunks = len(entries)
		published.Documents = sum.Indexed
	}

	e.coveredThrough = start
	sum.Duration = time.Since(began)

	e.mu.Lock()
	e.state = StateIndexed
	e.manifest = &published
	e.lastSummary = &sum
	e.lastErr = nil
	e.mu.Unlock()

	e.metrics.rebuildsTotal.WithLabelValues("ok").Inc()
	e.metrics.rebuildDurationSeconds.Observe(sum.Duration.Seconds())
	e.metrics.indexChunks.Set(float64(published.Chunks))

	e.log.Info("engine: rebuild complete",
		slog.Int("documents", sum.Documents),
		slog.Int("indexed", sum.Indexed),
		slog.Int("skipped", sum.Skipped),
		slog.Int("failed", sum.Failed),
		slog.Int("chunks", sum.Chunks),
		slog.Int("failed_chunks", sum.FailedChunks),
		slog.Duration("duration", sum.Duration),
	)
	return sum, nil
}

// fail records a failed rebuild. The published index is untouched, so the
// state is recomputed against it rather than reset.
func (e *Engine) fail(ctx context.Context, sum Summary, began time.Time, err error) (Summary, error) {
	sum.Duration = time.Since(began)
	e.metrics.rebuildsTotal.WithLabelValues("error").Inc()
	e.metrics.rebuildDurationSeconds.Observe(sum.Duration.Seconds())

	e.mu.Lock()
	e.lastSummary = &sum
	e.lastErr = err
	e.mu.Unlock()

	if rerr := e.refreshState(context.WithoutCancel(ctx)); rerr != nil {
		e.log.Warn("engine: could not refresh state after failed rebuild", slog.String("error", rerr.Error()))
		e.MarkStale()
	}

	level := slog.LevelError
	if errors.Is(err, context.Canceled) {
		level = slog.LevelWarn
	}
	e.log.Log(ctx, level, "engine: rebuild failed, keeping previous index",
		slog.String("state", string(e.State())),
		slog.String("error", err.Error()),
	)
	return sum, err
}

// refreshState compares the published manifest with the document set on
// disk.
func (e *Engine) refreshState(ctx context.Context) error {
	docs, err := e.docs.List(ctx)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	fp := docstore.Fingerprint(docs)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.manifest == nil:
		e.state = StateEmpty
	case e.manifest.Fingerprint == fp && e.manifest.Model == e.model:
		e.state = StateIndexed
	default:
		e.state = StateStale
	}
	return nil
}

func (e *Engine) matchesPublished(fp string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.manifest != nil && e.manifest.Fingerprint == fp && e.state == StateIndexed
}

func (e *Engine) setRebuilding(v bool) {
	e.mu.Lock()
	e.rebuilding = v
	e.mu.Unlock()
}

var _ rag.Retriever = (*Engine)(nil)
