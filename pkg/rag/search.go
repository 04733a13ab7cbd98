package rag

import (
	"context"
	"errors"

	"github.com/liliang-cn/sqrag/pkg/core"
	"github.com/liliang-cn/sqrag/pkg/embed"
	"github.com/liliang-cn/sqrag/pkg/filter"
)

// SearchArgs is the input of Search. Query is embedded unless Embedding is
// set. With Hybrid, Query also runs as a keyword search and the two rankings
// are fused.
type SearchArgs struct {
	Namespace   string
	FilterNames []string

	Query     string
	Embedding []float32
	Hybrid    bool

	Filters    []filter.Named
	FilterSets [][]filter.Named

	Limit                int
	ChunkContext         core.ChunkContext
	VectorScoreThreshold float64
	ScoreCutoff          float64
	VectorWeight         float64 // 0 means 1
	TextWeight           float64 // 0 means 1
}

// Search returns the best matching chunks with their context windows.
func (c *Client) Search(ctx context.Context, args SearchArgs) (*core.SearchResponse, error) {
	dim, err := c.dimension()
	if err != nil {
		return nil, err
	}

	vec := args.Embedding
	if vec == nil {
		if c.batcher == nil {
			return nil, ErrEmbedderNotConfigured
		}
		if args.Query == "" {
			return nil, embed.ErrEmptyText
		}
		if vec, err = c.batcher.Embed(ctx, args.Query); err != nil {
			return nil, err
		}
	}

	opts := core.SearchOptions{
		Namespace:            args.Namespace,
		ModelID:              c.config.Embedding.Model,
		Dimension:            dim,
		FilterNames:          args.FilterNames,
		Embedding:            vec,
		Filters:              args.Filters,
		FilterSets:           args.FilterSets,
		Limit:                args.Limit,
		ChunkContext:         args.ChunkContext,
		VectorScoreThreshold: args.VectorScoreThreshold,
		ScoreCutoff:          args.ScoreCutoff,
		VectorWeight:         args.VectorWeight,
		TextWeight:           args.TextWeight,
	}
	if args.Hybrid {
		opts.TextQuery = args.Query
	}
	return c.store.Search(ctx, opts)
}

// Delete removes an entry and all its chunks, one bounded step at a time.
// Deleting a missing entry succeeds.
func (c *Client) Delete(ctx context.Context, entryID string) error {
	start := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := c.store.DeleteEntryPage(ctx, entryID, start)
		if err != nil {
			return err
		}
		if page.IsDone {
			return nil
		}
		start = page.NextStartOrder
	}
}

// DeleteAsync enqueues the deletion of an entry and returns the job id
func (c *Client) DeleteAsync(ctx context.Context, entryID string) (string, error) {
	payload, err := encodeJob(deletePayload{EntryID: entryID})
	if err != nil {
		return "", err
	}
	return c.queue.Enqueue(ctx, deleteJob, payload)
}

// DeleteByKey removes every version of key in the namespace
func (c *Client) DeleteByKey(ctx context.Context, namespace string, filterNames []string, key string) error {
	ns, err := c.lookupNamespace(ctx, namespace, filterNames)
	if err != nil || ns == nil {
		return err
	}
	start := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := c.store.DeleteByKeyPage(ctx, ns.ID, key, start)
		if err != nil {
			return err
		}
		if page.IsDone {
			return nil
		}
		start = page.NextStartOrder
	}
}

// GetEntry returns an entry by id, or nil when it does not exist
func (c *Client) GetEntry(ctx context.Context, entryID string) (*core.Entry, error) {
	e, err := c.store.GetEntry(ctx, entryID)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// ListEntries pages through the entries of a namespace. An empty status
// lists all.
func (c *Client) ListEntries(ctx context.Context, namespace string, filterNames []string, status core.Status, page core.PageOptions) (*core.EntryPage, error) {
	ns, err := c.lookupNamespace(ctx, namespace, filterNames)
	if err != nil {
		return nil, err
	}
	if ns == nil {
		return &core.EntryPage{IsDone: true}, nil
	}
	return c.store.ListEntries(ctx, ns.ID, status, page)
}

// ListChunks pages through the chunks of an entry
func (c *Client) ListChunks(ctx context.Context, entryID string, page core.PageOptions) (*core.ChunkPage, error) {
	return c.store.ListChunks(ctx, entryID, page)
}

// ListNamespaces lists namespaces; an empty status lists all.
func (c *Client) ListNamespaces(ctx context.Context, status core.Status) ([]*core.Namespace, error) {
	return c.store.ListNamespaces(ctx, status)
}
