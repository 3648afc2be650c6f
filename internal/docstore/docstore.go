// Package docstore manages the directory that holds the user's documents.
// It is the only component that creates or deletes document files; the
// engine reads the directory through it to decide what to index.
package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/54b3r/ragchat/internal/loader"
)

var (
	// ErrNotFound is returned when a named document does not exist.
	ErrNotFound = errors.New("docstore: document not found")

	// ErrInvalidName is returned for names that are empty, hidden, or not a
	// plain file name (path separators, "..").
	ErrInvalidName = errors.New("docstore: invalid document name")
)

// Document describes one file in the documents directory.
type Document struct {
	// Name is the file name, unique within the directory.
	Name string `json:"name"`
	// Format is the loader format; empty when the extension is unsupported.
	Format loader.Format `json:"format,omitempty"`
	// Size is the file size in bytes.
	Size int64 `json:"size"`
	// ModTime is the last modification time.
	ModTime time.Time `json:"mod_time"`
}

// Supported reports whether the document has an indexable format.
func (d Document) Supported() bool { return d.Format != "" }

// Store is a flat directory of documents.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating the directory if needed.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("docstore: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("docstore: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the documents directory.
func (s *Store) Dir() string { return s.dir }

// List returns every visible regular file in the directory, sorted by name.
// Unsupported files are included with an empty Format so callers can count
// them. Subdirectories are not descended into.
func (s *Store) List(_ context.Context) ([]Document, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("docstore: list %s: %w", s.dir, err)
	}
	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if errors.Is(err, fs.ErrNotExist) {
			// Removed between ReadDir and Info.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("docstore: stat %s: %w", e.Name(), err)
		}
		format, _ := loader.FormatOf(e.Name())
		docs = append(docs, Document{
			Name:    e.Name(),
			Format:  format,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	slices.SortFunc(docs, func(a, b Document) int { return strings.Compare(a.Name, b.Name) })
	return docs, nil
}

// Path returns the absolute location of the named document after validating
// the name. It does not check that the file exists.
func (s *Store) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

// Add writes r to the named document, replacing any existing file. The data
// is staged in a hidden temporary file and renamed into place so List never
// returns a partially written document. Only supported formats are accepted.
func (s *Store) Add(_ context.Context, name string, r io.Reader) (Document, error) {
	path, err := s.Path(name)
	if err != nil {
		return Document{}, err
	}
	format, ok := loader.FormatOf(name)
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", loader.ErrUnsupportedFormat, name)
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return Document{}, fmt.Errorf("docstore: stage %s: %w", name, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return Document{}, fmt.Errorf("docstore: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return Document{}, fmt.Errorf("docstore: write %s: %w", name, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return Document{}, fmt.Errorf("docstore: chmod %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return Document{}, fmt.Errorf("docstore: publish %s: %w", name, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Document{}, fmt.Errorf("docstore: stat %s: %w", name, err)
	}
	return Document{Name: name, Format: format, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Remove deletes the named document.
func (s *Store) Remove(_ context.Context, name string) error {
	path, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("docstore: remove %s: %w", name, err)
	}
	return nil
}

// ValidateName rejects names that could escape the directory or that the
// store would hide from List.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q is hidden", ErrInvalidName, name)
	case filepath.Base(name) != name:
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Fingerprint identifies a set of documents by name, size and modification
// time. Unsupported documents are ignored since they never affect the index.
func Fingerprint(docs []Document) string {
	h := sha256.New()
	for _, d := range docs {
		if !d.Supported() {
			continue
		}
		_, _ = io.WriteString(h, d.Name)
		_, _ = h.Write([]byte{0})
		_, _ = io.WriteString(h, strconv.FormatInt(d.Size, 10))
		_, _ = h.Write([]byte{0})
		_, _ = io.WriteString(h, strconv.FormatInt(d.ModTime.UnixNano(), 10))
		_, _ = h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
