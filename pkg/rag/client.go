// Package rag is the client facade over the sqrag store. It resolves
// namespaces for the configured embedding model, chunks and embeds content,
// drives the bounded replace and delete loops to completion and runs
// asynchronous chunking and deletion through a job queue.
package rag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/liliang-cn/sqrag/pkg/core"
	"github.com/liliang-cn/sqrag/pkg/embed"
	"github.com/liliang-cn/sqrag/pkg/workpool"
)

// ErrEmbedderNotConfigured is returned when text has to be embedded but the
// client was opened without an embedder.
var ErrEmbedderNotConfigured = errors.New("sqrag: embedder not configured, use WithEmbedder or supply embeddings")

// Client is a RAG store backed by a single SQLite database.
type Client struct {
	store    *core.SQLiteStore
	config   Config
	embedder embed.Embedder
	batcher  *embed.Batcher
	queue    workpool.Queue
	pool     *workpool.Pool // set when the client owns its queue
	logger   logrus.FieldLogger

	chunkersMu sync.RWMutex
	chunkers   map[string]Chunker
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithEmbedder sets the embedder used for chunk texts and search queries.
func WithEmbedder(e embed.Embedder) Option {
	return func(c *Client) { c.embedder = e }
}

// WithQueue runs asynchronous jobs on q instead of an internal pool.
func WithQueue(q workpool.Queue) Option {
	return func(c *Client) { c.queue = q }
}

// WithLogger sets the logger for the client, its store and its job pool.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// Open opens or creates the database and starts the job pool.
func Open(config Config, opts ...Option) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	discard := logrus.New()
	discard.SetOutput(io.Discard)
	c := &Client{
		config:   config,
		logger:   discard,
		chunkers: make(map[string]Chunker),
	}
	for _, opt := range opts {
		opt(c)
	}

	if config.Store.Logger == nil {
		config.Store.Logger = core.NewLogrusLogger(c.logger)
	}
	store, err := core.NewWithConfig(config.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	c.store = store
	c.config = config

	if c.embedder != nil {
		c.batcher = embed.NewBatcher(c.embedder,
			embed.WithBatchSize(config.Embedding.BatchSize),
			embed.WithConcurrency(config.Embedding.Concurrency),
			embed.WithRateLimit(config.Embedding.RequestsPerSecond, config.Embedding.Burst))
	}

	if c.queue == nil {
		c.pool = workpool.NewPool(
			workpool.WithWorkers(config.Jobs.Workers),
			workpool.WithBackoff(workpool.ExponentialBackoff(config.Jobs.InitialBackoff, config.Jobs.Retries)),
			workpool.WithLogger(c.logger),
		)
		c.pool.Start(context.Background())
		c.queue = c.pool
	}
	c.queue.Handle(chunkJob, workpool.Handler{Run: c.runChunkJob, Fail: c.failChunkJob})
	c.queue.Handle(deleteJob, workpool.Handler{Run: c.runDeleteJob})

	c.RegisterChunker(TextChunkerName, TextChunker(config.Chunking))
	return c, nil
}

// Store returns the underlying store
func (c *Client) Store() *core.SQLiteStore {
	return c.store
}

// Wait blocks until the client's own job pool is idle. It returns at once
// when jobs run on an external queue.
func (c *Client) Wait() {
	if c.pool != nil {
		c.pool.Wait()
	}
}

// Close finishes queued jobs and closes the database.
func (c *Client) Close() error {
	if c.pool != nil {
		c.pool.Wait()
		c.pool.Close()
	}
	return c.store.Close()
}

// RegisterOnComplete registers a completion handler that entries can name in
// OnComplete.
func (c *Client) RegisterOnComplete(name string, h core.CompletionHandler) {
	c.store.RegisterCompletionHandler(name, h)
}

// RegisterChunker registers a chunker for AddAsync under name
func (c *Client) RegisterChunker(name string, ch Chunker) {
	c.chunkersMu.Lock()
	defer c.chunkersMu.Unlock()
	if ch == nil {
		delete(c.chunkers, name)
		return
	}
	c.chunkers[name] = ch
}

func (c *Client) chunker(name string) (Chunker, bool) {
	c.chunkersMu.RLock()
	defer c.chunkersMu.RUnlock()
	ch, ok := c.chunkers[name]
	return ch, ok
}

func (c *Client) dimension() (int, error) {
	if c.embedder != nil {
		return c.embedder.Dim(), nil
	}
	if c.config.Embedding.Dimension > 0 {
		return c.config.Embedding.Dimension, nil
	}
	return 0, ErrEmbedderNotConfigured
}

// Namespace returns the ready namespace for name under the client's model,
// creating a new version when none matches filterNames.
func (c *Client) Namespace(ctx context.Context, name string, filterNames []string) (*core.Namespace, error) {
	dim, err := c.dimension()
	if err != nil {
		return nil, err
	}
	return c.store.GetOrCreateNamespace(ctx, core.NamespaceSpec{
		Name:        name,
		ModelID:     c.config.Embedding.Model,
		Dimension:   dim,
		FilterNames: filterNames,
	})
}

// lookupNamespace resolves a namespace without creating it. A nil namespace
// means nothing was ever added under this schema.
func (c *Client) lookupNamespace(ctx context.Context, name string, filterNames []string) (*core.Namespace, error) {
	dim, err := c.dimension()
	if err != nil {
		return nil, err
	}
	return c.store.LookupNamespace(ctx, name, c.config.Embedding.Model, dim, filterNames)
}

// embedChunks fills in missing embeddings in place
func (c *Client) embedChunks(ctx context.Context, chunks []core.ChunkInput) error {
	var (
		texts []string
		index []int
	)
	for i, ch := range chunks {
		if ch.Embedding != nil {
			continue
		}
		text := ch.SearchableText
		if text == "" {
			text = ch.Text
		}
		texts = append(texts, text)
		index = append(index, i)
	}
	if len(texts) == 0 {
		return nil
	}
	if c.batcher == nil {
		return ErrEmbedderNotConfigured
	}

	vecs, err := c.batcher.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed chunks: %w", err)
	}
	for j, i := range index {
		chunks[i].Embedding = vecs[j]
	}
	return nil
}
