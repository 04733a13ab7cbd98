// Package workpool runs background jobs by kind. Pool executes jobs on a set
// of goroutines with exponential backoff between attempts; SyncQueue runs
// them inline on the enqueuing goroutine and is meant for tests and tools.
package workpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Enqueue after the pool was closed
var ErrClosed = errors.New("workpool: closed")

// Job is one unit of background work.
type Job struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Payload []byte `json:"payload"`
	Attempt int    `json:"attempt"` // 1 on the first run
}

// Handler processes jobs of one kind. Fail, when set, is called once with the
// last error after all attempts are exhausted.
type Handler struct {
	Run  func(ctx context.Context, job Job) error
	Fail func(ctx context.Context, job Job, err error)
}

// Queue accepts jobs for registered kinds. Delivery is at least once:
// handlers must tolerate running the same job again.
type Queue interface {
	Handle(kind string, h Handler)
	Enqueue(ctx context.Context, kind string, payload []byte) (string, error)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// execute runs job until it succeeds, returns a permanent error, or b stops.
func execute(ctx context.Context, h Handler, job Job, b backoff.BackOff, logger logrus.FieldLogger) {
	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		job.Attempt++
		err := h.Run(ctx, job)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"job":     job.ID,
				"kind":    job.Kind,
				"attempt": job.Attempt,
			}).WithError(err).Debug("job attempt failed")
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return
	}

	logger.WithFields(logrus.Fields{
		"job":      job.ID,
		"kind":     job.Kind,
		"attempts": job.Attempt,
	}).WithError(err).Warn("job failed")
	if h.Fail != nil {
		h.Fail(ctx, job, fmt.Errorf("job %s (%s) after %d attempts: %w", job.ID, job.Kind, job.Attempt, err))
	}
}
