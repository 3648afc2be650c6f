// Package loader extracts plain text from the document formats the assistant
// accepts: PDF, plain text and Word (.docx). Each format yields one or more
// units of text; PDFs yield one unit per page.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
)

// Format identifies a supported document format.
type Format string

const (
	// FormatPDF is a .pdf document.
	FormatPDF Format = "pdf"
	// FormatText is a .txt document encoded as UTF-8.
	FormatText Format = "text"
	// FormatWord is a .docx document.
	FormatWord Format = "word"
)

// extensions maps lower-cased file extensions to formats.
var extensions = map[string]Format{
	".pdf":  FormatPDF,
	".txt":  FormatText,
	".docx": FormatWord,
}

// DefaultPageTimeout bounds text extraction for a single PDF page.
const DefaultPageTimeout = 10 * time.Second

// ErrUnsupportedFormat is returned for files whose extension is not one of
// .pdf, .txt or .docx. Callers skip such files silently.
var ErrUnsupportedFormat = errors.New("loader: unsupported format")

// LoadError reports that a supported document could not be read or parsed.
type LoadError struct {
	// Path is the file that failed to load.
	Path string
	// Format is the format the file was read as.
	Format Format
	// Err is the underlying cause.
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loader: load %s (%s): %v", e.Path, e.Format, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Unit is a contiguous piece of extracted text.
type Unit struct {
	// Number is the 1-based page number for PDFs, and 1 for other formats.
	Number int
	// Text is the extracted text.
	Text string
}

// FormatOf returns the format implied by name's extension. Matching is
// case-insensitive.
func FormatOf(name string) (Format, bool) {
	f, ok := extensions[strings.ToLower(filepath.Ext(name))]
	return f, ok
}

// Supported reports whether name has a supported extension.
func Supported(name string) bool {
	_, ok := FormatOf(name)
	return ok
}

// Config holds loader settings.
type Config struct {
	// PageTimeout bounds extraction of a single PDF page (default 10s).
	PageTimeout time.Duration
}

// Loader reads documents from disk. It is safe for concurrent use.
type Loader struct {
	pageTimeout time.Duration
	log         *slog.Logger
}

// New constructs a Loader. A nil logger falls back to slog.Default.
func New(cfg Config, log *slog.Logger) *Loader {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loader{pageTimeout: cfg.PageTimeout, log: log}
}

// Load extracts the text units of the document at path. Unsupported
// extensions return ErrUnsupportedFormat; read or parse failures return a
// *LoadError.
func (l *Loader) Load(ctx context.Context, path string) ([]Unit, error) {
	format, ok := FormatOf(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	var (
		units []Unit
		err   error
	)
	switch format {
	case FormatPDF:
		units, err = l.loadPDF(ctx, path)
	case FormatWord:
		units, err = loadWord(path)
	case FormatText:
		units, err = loadText(path)
	}
	if err != nil {
		return nil, &LoadError{Path: path, Format: format, Err: err}
	}

	l.log.Debug("loader: loaded document",
		slog.String("path", path),
		slog.String("format", string(format)),
		slog.Int("units", len(units)),
	)
	return units, nil
}
