// Package chunker splits extracted document text into fixed-size,
// overlapping windows. Sizes are measured in characters (Unicode code
// points), never bytes, so multi-byte text is never cut mid-character.
package chunker

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/54b3r/ragchat/internal/loader"
	"github.com/54b3r/ragchat/internal/rag"
)

const (
	// DefaultChunkSize is the default maximum number of characters per chunk.
	DefaultChunkSize = 500
	// DefaultChunkOverlap is the default number of characters shared by
	// consecutive chunks.
	DefaultChunkOverlap = 50
)

// ErrInvalidConfig is returned when size <= 0, overlap < 0, or
// overlap >= size.
var ErrInvalidConfig = errors.New("chunker: invalid size/overlap")

// namespace seeds the name-based UUIDs used as chunk IDs.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("ragchat/chunk"))

// Chunker splits text with a fixed size and overlap. It is immutable and
// safe for concurrent use.
type Chunker struct {
	size    int
	overlap int
}

// New validates size and overlap and returns a Chunker.
func New(size, overlap int) (*Chunker, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the maximum chunk length in characters.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the number of characters shared by consecutive chunks.
func (c *Chunker) Overlap() int { return c.overlap }

// Split cuts text into windows of at most size characters. Window i starts
// at i*(size-overlap); the last window is the first one that reaches the end
// of the text. Text no longer than size yields a single chunk; empty text
// yields none.
func Split(text string, size, overlap int) ([]string, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	return split(text, size, overlap), nil
}

// Chunks splits each unit of a document and returns the chunks in document
// order. Units are trimmed of surrounding whitespace and blank units are
// skipped. Ordinals run continuously across units.
func (c *Chunker) Chunks(source string, units []loader.Unit) []rag.Chunk {
	var out []rag.Chunk
	for _, u := range units {
		text := strings.TrimSpace(u.Text)
		if text == "" {
			continue
		}
		for _, piece := range split(text, c.size, c.overlap) {
			ordinal := len(out)
			out = append(out, rag.Chunk{
				ID:      ChunkID(source, ordinal),
				Source:  source,
				Ordinal: ordinal,
				Unit:    u.Number,
				Content: piece,
			})
		}
	}
	return out
}

// ChunkID returns the deterministic ID of the chunk at ordinal in source.
func ChunkID(source string, ordinal int) string {
	return uuid.NewSHA1(namespace, []byte(source+"\x00"+strconv.Itoa(ordinal))).String()
}

func validate(size, overlap int) error {
	if size <= 0 || overlap < 0 || overlap >= size {
		return fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidConfig, size, overlap)
	}
	return nil
}

func split(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	stride := size - overlap
	out := make([]string, 0, (len(runes)-overlap+stride-1)/stride)
	for start := 0; start < len(runes); start += stride {
		end := min(start+size, len(runes))
		out = append(out, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return out
}
