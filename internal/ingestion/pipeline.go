// Package ingestion implements the document ingestion pipeline. It loads a
// set of documents, chunks their text, and embeds the chunks in batches,
// producing the entries for a full index rebuild. Failures are isolated per
// document and per chunk and reported in a Summary instead of aborting.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/54b3r/ragchat/internal/chunker"
	"github.com/54b3r/ragchat/internal/loader"
	"github.com/54b3r/ragchat/internal/rag"
)

// DefaultBatchSize is the number of chunk texts sent per embedding call.
const DefaultBatchSize = 32

// maxReportedErrors caps Summary.Errors so a directory of broken files does
// not produce an unbounded report.
const maxReportedErrors = 20

// Input is one document to ingest.
type Input struct {
	// Name is the document name recorded as each chunk's Source.
	Name string
	// Path is where the document is read from.
	Path string
}

// Summary reports the outcome of one ingestion run.
type Summary struct {
	// Documents is the number of inputs considered.
	Documents int `json:"documents"`
	// Indexed is the number of documents that contributed at least one chunk.
	Indexed int `json:"indexed"`
	// Skipped is the number of inputs with an unsupported format.
	Skipped int `json:"skipped"`
	// Failed is the number of supported documents that could not be loaded.
	Failed int `json:"failed"`
	// Empty is the number of documents that loaded but contained no text.
	Empty int `json:"empty"`
	// Chunks is the number of chunks embedded successfully.
	Chunks int `json:"chunks"`
	// FailedChunks is the number of chunks dropped because embedding failed.
	FailedChunks int `json:"failed_chunks"`
	// Duration is the wall time of the run.
	Duration time.Duration `json:"duration"`
	// Coalesced is set by the engine when this summary was shared with a
	// request that arrived while the run was pending.
	Coalesced bool `json:"coalesced,omitempty"`
	// Errors holds a bounded sample of per-document and per-chunk errors.
	Errors []string `json:"errors,omitempty"`
}

// Supported returns the number of inputs with a supported format.
func (s Summary) Supported() int { return s.Documents - s.Skipped }

func (s *Summary) addError(err error) {
	if len(s.Errors) < maxReportedErrors {
		s.Errors = append(s.Errors, err.Error())
	}
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// BatchSize is the number of chunks per embedding call.
	// Defaults to DefaultBatchSize if zero.
	BatchSize int
}

// Pipeline orchestrates the load → chunk → embed flow for a set of documents.
type Pipeline struct {
	// loader extracts text units from document files.
	loader *loader.Loader

	// chunker splits text units into chunks.
	chunker *chunker.Chunker

	// embedder converts chunk texts into dense vector embeddings.
	embedder rag.Embedder

	// cfg holds the resolved pipeline configuration.
	cfg Config

	log *slog.Logger
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(l *loader.Loader, c *chunker.Chunker, e rag.Embedder, cfg Config, log *slog.Logger) (*Pipeline, error) {
	if l == nil {
		return nil, fmt.Errorf("ingestion: loader must not be nil")
	}
	if c == nil {
		return nil, fmt.Errorf("ingestion: chunker must not be nil")
	}
	if e == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{loader: l, chunker: c, embedder: e, cfg: cfg, log: log}, nil
}

// Run loads, chunks and embeds every input and returns the entries in input
// order. Per-document and per-chunk failures are logged and counted in the
// summary. The returned error is non-nil only when ctx is cancelled.
// Progress messages are reported via the optional progress callback.
func (p *Pipeline) Run(ctx context.Context, inputs []Input, progress func(msg string)) ([]rag.Entry, Summary, error) {
	if progress == nil {
		progress = func(string) {}
	}
	start := time.Now()
	sum := Summary{Documents: len(inputs)}

	var chunks []rag.Chunk
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, sum, err
		}
		units, err := p.loader.Load(ctx, in.Path)
		switch {
		case errors.Is(err, loader.ErrUnsupportedFormat):
			sum.Skipped++
			p.log.Debug("ingestion: skipping unsupported document", slog.String("document", in.Name))
			continue
		case ctx.Err() != nil:
			return nil, sum, ctx.Err()
		case err != nil:
			sum.Failed++
			sum.addError(err)
			p.log.Warn("ingestion: failed to load document",
				slog.String("document", in.Name),
				slog.String("error", err.Error()),
			)
			continue
		}

		docChunks := p.chunker.Chunks(in.Name, units)
		if len(docChunks) == 0 {
			sum.Empty++
			p.log.Info("ingestion: document has no text", slog.String("document", in.Name))
			continue
		}
		chunks = append(chunks, docChunks...)
		progress(fmt.Sprintf("chunked %s into %d chunks", in.Name, len(docChunks)))
	}

	entries, err := p.embed(ctx, chunks, &sum, progress)
	if err != nil {
		return nil, sum, err
	}

	indexed := make(map[string]struct{})
	for _, e := range entries {
		indexed[e.Chunk.Source] = struct{}{}
	}
	sum.Indexed = len(indexed)
	sum.Chunks = len(entries)
	sum.Duration = time.Since(start)
	return entries, sum, nil
}

// embed vectorises chunks in batches. A failed batch is retried one chunk at
// a time so a single bad chunk does not drop its neighbours; chunks that
// still fail are left out.
func (p *Pipeline) embed(ctx context.Context, chunks []rag.Chunk, sum *Summary, progress func(string)) ([]rag.Entry, error) {
	entries := make([]rag.Entry, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.cfg.BatchSize {
		end := min(start+p.cfg.BatchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}

		vecs, err := p.embedder.Embed(ctx, texts)
		if err == nil && len(vecs) != len(batch) {
			err = fmt.Errorf("expected %d embeddings, got %d", len(batch), len(vecs))
		}
		if err == nil {
			for i, c := range batch {
				entries = append(entries, rag.Entry{Chunk: c, Vector: vecs[i]})
			}
			progress(fmt.Sprintf("embedded %d/%d chunks", end, len(chunks)))
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		p.log.Warn("ingestion: embedding batch failed, retrying chunks individually",
			slog.Int("batch_start", start),
			slog.Int("batch_size", len(batch)),
			slog.String("error", err.Error()),
		)
		for _, c := range batch {
			vec, err := p.embedOne(ctx, c.Content)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				sum.FailedChunks++
				sum.addError(fmt.Errorf("%s chunk %d: %w", c.Source, c.Ordinal, err))
				continue
			}
			entries = append(entries, rag.Entry{Chunk: c, Vector: vec})
		}
	}
	return entries, nil
}

func (p *Pipeline) embedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedder returned %d vectors for one text", len(vecs))
	}
	return vecs[0], nil
}
