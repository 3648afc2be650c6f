package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/54b3r/ragchat/internal/rag"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// FileName is the name of the index file inside the index directory.
const FileName = "index.db"

// Local is a rag.VectorIndex persisted as a single SQLite file. Searches run
// against an in-memory snapshot loaded from that file. A rebuild writes a
// complete new file next to the old one, renames it into place, and only
// then swaps the in-memory snapshot, so a crash mid-rebuild leaves the
// previous file intact.
type Local struct {
	Memory

	// dir is the directory holding the index file.
	dir string
	// log receives rebuild and load diagnostics.
	log *slog.Logger
}

// OpenLocal opens the index stored in dir, creating dir if needed. When an
// index file already exists it is loaded and published immediately.
func OpenLocal(dir string, log *slog.Logger) (*Local, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, persistErr("create directory", err)
	}
	l := &Local{dir: dir, log: log}

	path := l.Path()
	snap, err := readIndexFile(context.Background(), path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Debug("index: no persisted index", slog.String("path", path))
	case err != nil:
		return nil, persistErr("load", err)
	default:
		l.current.Store(snap)
		log.Info("index: loaded persisted index",
			slog.String("path", path),
			slog.Int("chunks", snap.manifest.Chunks),
			slog.Int("dimension", snap.manifest.Dimension),
		)
	}
	return l, nil
}

// Path returns the location of the index file.
func (l *Local) Path() string {
	return filepath.Join(l.dir, FileName)
}

// Rebuild writes entries to a staging file, renames it over the index file,
// and publishes the new snapshot. On any error the previous file and
// snapshot are left untouched.
func (l *Local) Rebuild(ctx context.Context, entries []rag.Entry, man rag.Manifest) error {
	snap, err := newSnapshot(entries, man)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(l.dir, FileName+".tmp-*")
	if err != nil {
		return persistErr("stage", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	defer func() {
		// Removes the staging file when the rename did not happen.
		_ = os.Remove(tmpPath)
	}()

	if err := writeIndexFile(ctx, tmpPath, snap); err != nil {
		return persistErr("write", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, l.Path()); err != nil {
		return persistErr("publish", err)
	}

	l.current.Store(snap)
	l.log.Debug("index: published",
		slog.String("path", l.Path()),
		slog.Int("chunks", snap.manifest.Chunks),
	)
	return nil
}

const indexSchema = `
CREATE TABLE meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE chunks (
    seq      INTEGER PRIMARY KEY,
    id       TEXT    NOT NULL,
    source   TEXT    NOT NULL,
    ordinal  INTEGER NOT NULL,
    unit     INTEGER NOT NULL,
    content  TEXT    NOT NULL,
    vector   BLOB    NOT NULL
);
`

// writeIndexFile creates a fresh SQLite database at path holding snap.
func writeIndexFile(ctx context.Context, path string, snap *snapshot) error {
	// CreateTemp leaves an empty file; SQLite treats it as a new database.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(DELETE)&_pragma=synchronous(FULL)")
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, indexSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	manifest, err := json.Marshal(snap.manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('manifest', ?)`, string(manifest)); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (seq, id, source, ordinal, unit, content, vector) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i, e := range snap.entries {
		c := e.Chunk
		if _, err := stmt.ExecContext(ctx, i, c.ID, c.Source, c.Ordinal, c.Unit, c.Content, rag.EncodeVector(e.Vector)); err != nil {
			return fmt.Errorf("write chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return db.Close()
}

// readIndexFile loads the index file at path. It returns an error wrapping
// fs.ErrNotExist when the file is absent.
func readIndexFile(ctx context.Context, path string) (*snapshot, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	var raw string
	if err := db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'manifest'`).Scan(&raw); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var man rag.Manifest
	if err := json.Unmarshal([]byte(raw), &man); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	rows, err := db.QueryContext(ctx, `SELECT id, source, ordinal, unit, content, vector FROM chunks ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}
	defer rows.Close()

	entries := make([]rag.Entry, 0, man.Chunks)
	for rows.Next() {
		var e rag.Entry
		var blob []byte
		if err := rows.Scan(&e.Chunk.ID, &e.Chunk.Source, &e.Chunk.Ordinal, &e.Chunk.Unit, &e.Chunk.Content, &blob); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if e.Vector, err = rag.DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", e.Chunk.ID, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read chunks: %w", err)
	}

	snap, err := newSnapshot(entries, man)
	if err != nil {
		return nil, err
	}
	return snap, nil
}
