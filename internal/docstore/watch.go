package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits after the last change before
// notifying.
const DefaultDebounce = 2 * time.Second

// Watch calls onChange whenever documents in the directory are created,
// written, removed or renamed, coalescing bursts of events that arrive
// within debounce of each other into one call. Hidden files (including the
// store's own staging files) are ignored. Watch blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, log *slog.Logger, onChange func()) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("docstore: create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return fmt.Errorf("docstore: watch %s: %w", s.dir, err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			log.Debug("docstore: change detected",
				slog.String("name", filepath.Base(ev.Name)),
				slog.String("op", ev.Op.String()),
			)
			timer.Reset(debounce)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("docstore: watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			onChange()
		}
	}
}

// relevant reports whether ev can change the indexed document set.
func relevant(ev fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) ||
		ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}
