package embed

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultBatchSize is the largest number of texts sent in one provider call.
const DefaultBatchSize = 100

// Batcher splits embedding requests into groups of at most BatchSize texts
// and runs the groups concurrently under an optional rate limit.
type Batcher struct {
	embedder    Embedder
	batchSize   int
	concurrency int
	limiter     *rate.Limiter
}

// BatcherOption configures a Batcher
type BatcherOption func(*Batcher)

// WithBatchSize sets the group size. Values below 1 are ignored.
func WithBatchSize(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

// WithConcurrency limits the number of groups in flight
func WithConcurrency(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithRateLimit allows at most perSecond provider calls per second with the
// given burst. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) BatcherOption {
	return func(b *Batcher) {
		if perSecond <= 0 {
			b.limiter = nil
			return
		}
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// NewBatcher wraps e.
func NewBatcher(e Embedder, opts ...BatcherOption) *Batcher {
	b := &Batcher{
		embedder:    e,
		batchSize:   DefaultBatchSize,
		concurrency: 4,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dim returns the dimension of the wrapped embedder
func (b *Batcher) Dim() int { return b.embedder.Dim() }

// Embed embeds a single text.
func (b *Batcher) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != b.embedder.Dim() {
		return nil, fmt.Errorf("%w: got width %d, want %d", ErrEmbeddingFailed, len(vec), b.embedder.Dim())
	}
	return vec, nil
}

// EmbedBatch embeds texts in groups and returns the vectors in input order.
// The first failing group cancels the rest.
func (b *Batcher) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for i, text := range texts {
		if text == "" {
			return nil, fmt.Errorf("%w: text %d", ErrEmptyText, i)
		}
	}

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for start := 0; start < len(texts); start += b.batchSize {
		start := start
		end := min(start+b.batchSize, len(texts))
		g.Go(func() error {
			if err := b.wait(gctx); err != nil {
				return err
			}
			vecs, err := b.embedder.EmbedBatch(gctx, texts[start:end])
			if err != nil {
				return err
			}
			if len(vecs) != end-start {
				return fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vecs), end-start)
			}
			for i, vec := range vecs {
				if len(vec) != b.embedder.Dim() {
					return fmt.Errorf("%w: text %d has width %d, want %d", ErrEmbeddingFailed, start+i, len(vec), b.embedder.Dim())
				}
				out[start+i] = vec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Batcher) wait(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}
