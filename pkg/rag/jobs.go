package rag

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/liliang-cn/sqrag/internal/encoding"
	"github.com/liliang-cn/sqrag/pkg/core"
	"github.com/liliang-cn/sqrag/pkg/workpool"
)

// TextChunkerName is the chunker registered by default. It splits the
// AddAsync source with DefaultChunker and the configured options.
const TextChunkerName = "text"

const (
	chunkJob  = "sqrag.chunk"
	deleteJob = "sqrag.delete"
)

type chunkPayload struct {
	EntryID string `msgpack:"e"`
	Chunker string `msgpack:"c"`
	Source  string `msgpack:"s"`
}

type deletePayload struct {
	EntryID    string `msgpack:"e"`
	StartOrder int    `msgpack:"o"`
}

func encodeJob(v any) ([]byte, error) {
	b, err := encoding.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return b, nil
}

func decodeJob(job workpool.Job, v any) error {
	if err := encoding.Unmarshal(job.Payload, v); err != nil {
		return workpool.Permanent(fmt.Errorf("job %s: malformed payload: %w", job.ID, err))
	}
	return nil
}

// runChunkJob builds a pending entry. It is safe to run more than once:
// settled entries are skipped and chunk inserts overwrite their order range.
func (c *Client) runChunkJob(ctx context.Context, job workpool.Job) error {
	var p chunkPayload
	if err := decodeJob(job, &p); err != nil {
		return err
	}
	logger := c.logger.WithFields(logrus.Fields{"job": job.ID, "entry": p.EntryID, "attempt": job.Attempt})

	entry, err := c.store.GetEntry(ctx, p.EntryID)
	if errors.Is(err, core.ErrNotFound) {
		logger.Info("entry deleted before chunking")
		return nil
	}
	if err != nil {
		return err
	}
	if entry.Status != core.StatusPending {
		logger.WithField("status", entry.Status).Debug("entry already settled")
		return nil
	}

	chunker, ok := c.chunker(p.Chunker)
	if !ok {
		return workpool.Permanent(fmt.Errorf("unknown chunker %q", p.Chunker))
	}
	ns, err := c.store.GetNamespace(ctx, entry.NamespaceID)
	if err != nil {
		return err
	}
	chunks, err := chunker(ctx, ChunkRequest{Namespace: ns, Entry: entry, Source: p.Source})
	if err != nil {
		return err
	}
	if chunks == nil {
		chunks = []core.ChunkInput{}
	}

	res, err := c.insertAll(ctx, entry, chunks)
	if errors.Is(err, core.ErrStaleVersion) {
		// A newer version owns the key; its promotion settles this entry.
		logger.WithError(err).Warn("chunking superseded")
		return nil
	}
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"status": res.Status, "chunks": len(chunks)}).Info("entry built")
	return nil
}

// failChunkJob abandons the entry once the job has run out of retries.
func (c *Client) failChunkJob(ctx context.Context, job workpool.Job, jobErr error) {
	var p chunkPayload
	if err := decodeJob(job, &p); err != nil {
		c.logger.WithError(err).Error("cannot abandon entry")
		return
	}
	if _, err := c.store.FailEntry(context.WithoutCancel(ctx), p.EntryID, jobErr.Error()); err != nil && !errors.Is(err, core.ErrNotFound) {
		c.logger.WithError(err).WithField("entry", p.EntryID).Error("failed to abandon entry")
	}
}

// runDeleteJob runs one bounded delete step and enqueues the next.
func (c *Client) runDeleteJob(ctx context.Context, job workpool.Job) error {
	var p deletePayload
	if err := decodeJob(job, &p); err != nil {
		return err
	}
	page, err := c.store.DeleteEntryPage(ctx, p.EntryID, p.StartOrder)
	if err != nil {
		return err
	}
	if page.IsDone {
		return nil
	}
	next, err := encodeJob(deletePayload{EntryID: p.EntryID, StartOrder: page.NextStartOrder})
	if err != nil {
		return err
	}
	_, err = c.queue.Enqueue(ctx, deleteJob, next)
	return err
}
