package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dslipak/pdf"
)

// errPageTimeout is returned when a page takes longer than the page timeout.
var errPageTimeout = errors.New("page extraction timed out")

// errNoPagesExtracted is returned when a PDF has pages but every one of them
// failed to extract.
var errNoPagesExtracted = errors.New("no page could be extracted")

// loadPDF extracts one unit per page. Pages that are empty or fail to
// extract are skipped with a warning. The file fails if it cannot be opened
// or if every page fails.
func (l *Loader) loadPDF(ctx context.Context, path string) (units []Unit, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			units, err = nil, fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	return l.collectPages(ctx, path, r.NumPage(), func(i int) (string, bool, error) {
		page := r.Page(i)
		if page.V.IsNull() {
			return "", false, nil
		}
		text, err := l.extractPage(ctx, page)
		return text, true, err
	})
}

// collectPages gathers the text of pages 1..n. extract reports whether the
// page exists; missing pages are neither units nor failures.
func (l *Loader) collectPages(ctx context.Context, path string, n int, extract func(i int) (string, bool, error)) ([]Unit, error) {
	var (
		units     []Unit
		attempted int
		failed    int
	)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, ok, err := extract(i)
		if !ok {
			continue
		}
		attempted++
		if err != nil {
			failed++
			l.log.Warn("loader: skipping pdf page",
				slog.String("path", path),
				slog.Int("page", i),
				slog.String("error", err.Error()),
			)
			continue
		}
		text = strings.ToValidUTF8(text, "")
		if strings.TrimSpace(text) == "" {
			continue
		}
		units = append(units, Unit{Number: i, Text: text})
	}
	if attempted > 0 && failed == attempted {
		return nil, fmt.Errorf("%w: %d pages failed", errNoPagesExtracted, failed)
	}
	return units, nil
}

// extractPage runs GetPlainText in its own goroutine so a pathological page
// can be abandoned after the page timeout.
func (l *Loader) extractPage(ctx context.Context, page pdf.Page) (string, error) {
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		text, err := page.GetPlainText(nil)
		ch <- result{text, err}
	}()

	timer := time.NewTimer(l.pageTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.text, r.err
	case <-timer.C:
		return "", errPageTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
