// Package index provides rag.VectorIndex implementations: an in-memory
// snapshot, a local index persisted as a single SQLite file, and a Qdrant
// index that publishes rebuilds by swapping a collection alias.
package index

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidK is returned by Search when k < 1.
	ErrInvalidK = errors.New("index: k must be at least 1")

	// ErrDimensionMismatch is returned by Search when the query vector length
	// differs from the dimension of the published index.
	ErrDimensionMismatch = errors.New("index: query dimension does not match index dimension")
)

// PersistenceError reports that the index could not be written, published or
// read back. A failed rebuild leaves the previously published index in place.
type PersistenceError struct {
	// Op names the step that failed (e.g. "write", "publish", "load").
	Op string
	// Err is the underlying cause.
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("index: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}
