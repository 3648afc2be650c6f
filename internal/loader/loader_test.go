package loader

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestFormatOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		want   Format
		wantOK bool
	}{
		{"notes.txt", FormatText, true},
		{"NOTES.TXT", FormatText, true},
		{"paper.pdf", FormatPDF, true},
		{"paper.Pdf", FormatPDF, true},
		{"thesis.docx", FormatWord, true},
		{"legacy.doc", "", false},
		{"image.png", "", false},
		{"README", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := FormatOf(tt.name)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, Supported(tt.name))
		})
	}
}

func TestLoad_Text(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "a.txt", []byte("héllo world"))

	units, err := New(Config{}, nil).Load(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, 1, units[0].Number)
	assert.Equal(t, "héllo world", units[0].Text)
}

func TestLoad_TextStripsBOM(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "bom.txt", append([]byte{0xEF, 0xBB, 0xBF}, "body"...))

	units, err := New(Config{}, nil).Load(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "body", units[0].Text)
}

func TestLoad_TextInvalidUTF8(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "latin1.txt", []byte{'c', 'a', 'f', 0xE9})

	_, err := New(Config{}, nil).Load(context.Background(), p)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, FormatText, le.Format)
	assert.ErrorIs(t, err, errNotUTF8)
}

func TestLoad_Unsupported(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "photo.png", []byte{0x89, 'P', 'N', 'G'})

	_, err := New(Config{}, nil).Load(context.Background(), p)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	var le *LoadError
	assert.False(t, errors.As(err, &le), "unsupported format must not be a LoadError")
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil).Load(context.Background(), filepath.Join(t.TempDir(), "gone.txt"))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_CorruptPDF(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "broken.pdf", []byte("this is not a pdf at all"))

	_, err := New(Config{}, nil).Load(context.Background(), p)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, FormatPDF, le.Format)
}

func TestLoad_CorruptDocx(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "broken.docx", []byte("not a zip archive"))

	_, err := New(Config{}, nil).Load(context.Background(), p)
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, FormatWord, le.Format)
}

func TestLoad_Docx(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "memo.docx")
	writeDocx(t, p, "Hello from Word")

	units, err := New(Config{}, nil).Load(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Contains(t, units[0].Text, "Hello from Word")
}

// writeDocx writes a minimal Word document containing a single paragraph.
func writeDocx(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	files := map[string]string{
		"[Content_Types].xml": `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`,
		"_rels/.rels": `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`,
		"word/document.xml": `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body><w:p><w:r><w:t>` + text + `</w:t></w:r></w:p></w:body>
</w:document>`,
	}
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestCollectPages(t *testing.T) {
	t.Parallel()
	l := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	broken := errors.New("bad content stream")

	t.Run("skips failed and blank pages", func(t *testing.T) {
		t.Parallel()
		units, err := l.collectPages(ctx, "doc.pdf", 4, func(i int) (string, bool, error) {
			switch i {
			case 2:
				return "", true, broken
			case 3:
				return "  \n", true, nil
			}
			return fmt.Sprintf("page %d", i), true, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []Unit{{Number: 1, Text: "page 1"}, {Number: 4, Text: "page 4"}}, units)
	})

	t.Run("every page failing is an error", func(t *testing.T) {
		t.Parallel()
		units, err := l.collectPages(ctx, "doc.pdf", 3, func(int) (string, bool, error) {
			return "", true, broken
		})
		require.ErrorIs(t, err, errNoPagesExtracted)
		assert.Nil(t, units)
	})

	t.Run("missing pages are not failures", func(t *testing.T) {
		t.Parallel()
		units, err := l.collectPages(ctx, "doc.pdf", 3, func(i int) (string, bool, error) {
			if i == 2 {
				return "", true, broken
			}
			return "", false, nil
		})
		require.ErrorIs(t, err, errNoPagesExtracted)
		assert.Nil(t, units)
	})

	t.Run("blank pages alone are empty, not failed", func(t *testing.T) {
		t.Parallel()
		units, err := l.collectPages(ctx, "doc.pdf", 2, func(int) (string, bool, error) {
			return "", true, nil
		})
		require.NoError(t, err)
		assert.Empty(t, units)
	})
}
