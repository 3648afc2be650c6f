package rag

import (
	"context"
	"errors"
	"fmt"
)

// EmbeddingError reports that an embedding call failed for a batch of texts.
type EmbeddingError struct {
	// Model is the embedding model that was called.
	Model string
	// Batch is the number of texts in the failed request.
	Batch int
	// Err is the underlying cause.
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed (model %s, batch %d): %v", e.Model, e.Batch, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same request could succeed.
// Context cancellation is never transient.
func (e *EmbeddingError) Transient() bool {
	return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
}

// WrapEmbedding wraps err in an EmbeddingError unless it already is one.
func WrapEmbedding(model string, batch int, err error) error {
	if err == nil {
		return nil
	}
	var ee *EmbeddingError
	if errors.As(err, &ee) {
		return err
	}
	return &EmbeddingError{Model: model, Batch: batch, Err: err}
}
