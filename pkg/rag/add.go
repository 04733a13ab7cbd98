package rag

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/liliang-cn/sqrag/pkg/core"
	"github.com/liliang-cn/sqrag/pkg/filter"
)

// Entry describes the entry half of an add: where it goes and what
// identifies its content.
type Entry struct {
	Namespace   string
	FilterNames []string // namespace filter schema, at most 4 names

	Key          string // optional; versions replace each other per key
	Title        string
	Importance   *float64 // nil means 1
	FilterValues []filter.Named
	Metadata     core.Metadata

	// ContentHash identifies identical content for dedup. When empty it is
	// derived from the chunks for Add, and left empty for AddAsync.
	ContentHash string

	// OnComplete names a handler registered with RegisterOnComplete.
	OnComplete string
}

// AddArgs is the input of Add. Chunks, when nil, are produced from Text with
// DefaultChunker.
type AddArgs struct {
	Entry
	Text   string
	Chunks []core.ChunkInput
}

// AddResult reports the settled state of an added entry.
type AddResult struct {
	Entry   *core.Entry `json:"entry"`
	Created bool        `json:"created"` // false when identical content was already ready
	Status  core.Status `json:"status"`  // ready, or replaced when a newer version won

	ReplacedEntry *core.Entry `json:"replacedEntry,omitempty"`
}

func (e Entry) importance() float64 {
	if e.Importance == nil {
		return 1
	}
	return *e.Importance
}

func (e Entry) args(namespaceID string) core.AddEntryArgs {
	return core.AddEntryArgs{
		NamespaceID:  namespaceID,
		Key:          e.Key,
		Importance:   e.importance(),
		FilterValues: e.FilterValues,
		ContentHash:  e.ContentHash,
		Title:        e.Title,
		Metadata:     e.Metadata,
		OnComplete:   e.OnComplete,
	}
}

// contentHash derives a dedup hash from the title and chunk texts.
func contentHash(title string, chunks []core.ChunkInput) string {
	d := xxhash.New()
	_, _ = d.WriteString(title)
	for _, ch := range chunks {
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(ch.Text)
		_, _ = d.WriteString("\x01")
		_, _ = d.WriteString(ch.SearchableText)
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// Add adds content synchronously and returns once the new version is
// searchable. Small entries are written in one transaction; larger ones are
// inserted in batches and swapped in through bounded replace steps.
func (c *Client) Add(ctx context.Context, args AddArgs) (*AddResult, error) {
	ns, err := c.Namespace(ctx, args.Namespace, args.FilterNames)
	if err != nil {
		return nil, err
	}

	chunks := args.Chunks
	if chunks == nil {
		chunks = textChunks(args.Text, c.config.Chunking)
	}
	entry := args.Entry
	if entry.ContentHash == "" {
		entry.ContentHash = contentHash(entry.Title, chunks)
	}

	// Unchanged content: let AddEntry take its dedup path before paying for
	// embeddings.
	if entry.Key != "" {
		same, err := c.store.FindEntryByContentHash(ctx, ns.ID, entry.Key, entry.ContentHash)
		if err != nil {
			return nil, err
		}
		if same != nil && same.Status == core.StatusReady {
			res, err := c.store.AddEntry(ctx, entry.args(ns.ID))
			if err != nil {
				return nil, err
			}
			if !res.Created {
				return &AddResult{Entry: res.Entry, Status: res.Status}, nil
			}
			return c.populate(ctx, res.Entry, chunks)
		}
	}

	if err := c.embedChunks(ctx, chunks); err != nil {
		return nil, err
	}

	if len(chunks) > c.config.Store.MaxChunksPerAdd {
		res, err := c.store.AddEntry(ctx, entry.args(ns.ID))
		if err != nil {
			return nil, err
		}
		if !res.Created {
			return &AddResult{Entry: res.Entry, Status: res.Status}, nil
		}
		return c.populate(ctx, res.Entry, chunks)
	}

	withChunks := entry.args(ns.ID)
	withChunks.Chunks = chunks
	res, err := c.store.AddEntry(ctx, withChunks)
	if err != nil {
		return nil, err
	}
	if !res.Created {
		return &AddResult{Entry: res.Entry, Status: res.Status}, nil
	}
	if res.Status == core.StatusPending {
		return c.replace(ctx, res.Entry, res.NextStartOrder)
	}
	return c.settled(ctx, res.Entry, res.Status)
}

// populate fills a pending entry with chunks and swaps it in. On failure the
// entry is abandoned so it does not stay pending forever.
func (c *Client) populate(ctx context.Context, entry *core.Entry, chunks []core.ChunkInput) (*AddResult, error) {
	res, err := c.insertAll(ctx, entry, chunks)
	if err != nil {
		if !errors.Is(err, core.ErrStaleVersion) {
			if _, ferr := c.store.FailEntry(context.WithoutCancel(ctx), entry.ID, err.Error()); ferr != nil {
				c.logger.WithError(ferr).WithField("entry", entry.ID).Warn("failed to abandon entry")
			}
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) insertAll(ctx context.Context, entry *core.Entry, chunks []core.ChunkInput) (*AddResult, error) {
	if err := c.embedChunks(ctx, chunks); err != nil {
		return nil, err
	}
	batch := c.config.Store.MaxChunksPerAdd
	for start := 0; start < len(chunks); start += batch {
		end := min(start+batch, len(chunks))
		if _, err := c.store.InsertChunks(ctx, entry.ID, start, chunks[start:end]); err != nil {
			return nil, err
		}
	}
	return c.replace(ctx, entry, 0)
}

// replace drives ReplaceChunksPage until the entry settles.
func (c *Client) replace(ctx context.Context, entry *core.Entry, startOrder int) (*AddResult, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := c.store.ReplaceChunksPage(ctx, entry.ID, startOrder)
		if err != nil {
			return nil, err
		}
		if page.Status != core.StatusPending {
			return c.settled(ctx, entry, page.Status)
		}
		startOrder = page.NextStartOrder
	}
}

func (c *Client) settled(ctx context.Context, entry *core.Entry, status core.Status) (*AddResult, error) {
	if status == core.StatusReplaced {
		current, err := c.store.GetEntry(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		return &AddResult{Entry: current, Created: true, Status: core.StatusReplaced}, nil
	}
	promoted, err := c.store.PromoteToReady(ctx, entry.ID)
	if err != nil {
		return nil, err
	}
	if promoted.Entry.Status == core.StatusReplaced {
		// A newer version was promoted in between.
		return &AddResult{Entry: promoted.Entry, Created: true, Status: core.StatusReplaced}, nil
	}
	return &AddResult{
		Entry:         promoted.Entry,
		Created:       true,
		Status:        promoted.Entry.Status,
		ReplacedEntry: promoted.ReplacedEntry,
	}, nil
}

// AddAsyncArgs is the input of AddAsync. Source is handed to the named
// chunker; the built-in TextChunkerName chunker splits it as text.
type AddAsyncArgs struct {
	Entry
	Chunker string
	Source  string
}

// AddAsyncResult reports the pending entry and the job building it. JobID is
// empty when identical content was already ready.
type AddAsyncResult struct {
	Entry   *core.Entry `json:"entry"`
	Created bool        `json:"created"`
	Status  core.Status `json:"status"`
	JobID   string      `json:"jobId,omitempty"`
}

// AddAsync creates a pending entry and enqueues a job that chunks, embeds
// and swaps it in. Completion is reported through OnComplete.
func (c *Client) AddAsync(ctx context.Context, args AddAsyncArgs) (*AddAsyncResult, error) {
	if args.Chunker == "" {
		args.Chunker = TextChunkerName
	}
	if _, ok := c.chunker(args.Chunker); !ok {
		return nil, fmt.Errorf("unknown chunker %q", args.Chunker)
	}
	ns, err := c.Namespace(ctx, args.Namespace, args.FilterNames)
	if err != nil {
		return nil, err
	}

	res, err := c.store.AddEntry(ctx, args.args(ns.ID))
	if err != nil {
		return nil, err
	}
	out := &AddAsyncResult{Entry: res.Entry, Created: res.Created, Status: res.Status}
	if !res.Created {
		return out, nil
	}

	payload, err := encodeJob(chunkPayload{EntryID: res.Entry.ID, Chunker: args.Chunker, Source: args.Source})
	if err != nil {
		return nil, err
	}
	out.JobID, err = c.queue.Enqueue(ctx, chunkJob, payload)
	if err != nil {
		if _, ferr := c.store.FailEntry(context.WithoutCancel(ctx), res.Entry.ID, err.Error()); ferr != nil {
			c.logger.WithError(ferr).WithField("entry", res.Entry.ID).Warn("failed to abandon entry")
		}
		return nil, fmt.Errorf("failed to enqueue chunker: %w", err)
	}
	c.logger.WithFields(logrus.Fields{"entry": res.Entry.ID, "job": out.JobID, "chunker": args.Chunker}).Debug("chunker enqueued")
	return out, nil
}
