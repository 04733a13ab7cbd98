package workpool

import (
	"context"
	"io"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SyncQueue runs jobs on the goroutine that enqueues them. Jobs enqueued by a
// running handler are queued behind it and run before the outermost Enqueue
// returns. Failed attempts are retried immediately up to Retries times.
type SyncQueue struct {
	Retries int
	Logger  logrus.FieldLogger

	mu       sync.Mutex
	handlers map[string]Handler
	backlog  []Job
	running  bool
	ran      []Job
}

// NewSyncQueue creates an empty queue without retries
func NewSyncQueue() *SyncQueue {
	return &SyncQueue{handlers: make(map[string]Handler)}
}

// Handle registers h for jobs of kind
func (q *SyncQueue) Handle(kind string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.handlers == nil {
		q.handlers = make(map[string]Handler)
	}
	q.handlers[kind] = h
}

// Enqueue runs the job, and anything it enqueues, before returning.
func (q *SyncQueue) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	job := Job{ID: uuid.NewString(), Kind: kind, Payload: payload}

	q.mu.Lock()
	q.backlog = append(q.backlog, job)
	if q.running {
		q.mu.Unlock()
		return job.ID, nil
	}
	q.running = true
	q.mu.Unlock()

	q.drain(ctx)
	return job.ID, nil
}

// Jobs returns every job run so far, in order.
func (q *SyncQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.ran))
	copy(out, q.ran)
	return out
}

func (q *SyncQueue) drain(ctx context.Context) {
	logger := q.Logger
	if logger == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		logger = discard
	}

	for {
		q.mu.Lock()
		if len(q.backlog) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		job := q.backlog[0]
		q.backlog = q.backlog[1:]
		h, ok := q.handlers[job.Kind]
		q.ran = append(q.ran, job)
		q.mu.Unlock()

		if !ok || h.Run == nil {
			logger.WithFields(logrus.Fields{"job": job.ID, "kind": job.Kind}).Error("no handler for job kind")
			continue
		}
		execute(ctx, h, job, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(max(q.Retries, 0))), logger)
	}
}
