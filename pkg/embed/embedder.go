// Package embed provides the embedding capability used by the RAG client:
// an Embedder interface, a batcher that splits large inputs into bounded,
// rate-limited provider calls, and a deterministic hashing embedder.
package embed

import (
	"context"
	"errors"
)

// Embedder converts text into vectors.
type Embedder interface {
	// Embed converts a single text string into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts into vectors, one per text and in
	// the same order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim returns the dimension of vectors produced by this embedder.
	Dim() int
}

var (
	// ErrEmptyText is returned when an empty text string is provided.
	ErrEmptyText = errors.New("embed: empty text provided")

	// ErrEmbeddingFailed is returned when the embedder returns the wrong
	// number of vectors or vectors of the wrong width.
	ErrEmbeddingFailed = errors.New("embed: embedding failed")
)

// Func adapts a single-text embedding function to Embedder. EmbedBatch calls
// fn once per text.
type Func struct {
	Fn        func(ctx context.Context, text string) ([]float32, error)
	Dimension int
}

// Embed calls the wrapped function.
func (f Func) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.Fn(ctx, text)
}

// EmbedBatch embeds texts one at a time.
func (f Func) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := f.Fn(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dim returns the configured dimension.
func (f Func) Dim() int { return f.Dimension }
