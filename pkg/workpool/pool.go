package workpool

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Pool executes jobs on a fixed number of worker goroutines. The backlog is
// unbounded so handlers can enqueue follow-up jobs without blocking.
type Pool struct {
	workers    int
	newBackoff func() backoff.BackOff
	logger     logrus.FieldLogger

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []Job
	closed  bool
	started bool

	pending sync.WaitGroup
	running sync.WaitGroup
}

// Option configures a Pool
type Option func(*Pool)

// WithWorkers sets the number of worker goroutines
func WithWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithBackoff sets the retry policy. fn is called once per job.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(p *Pool) { p.newBackoff = fn }
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pool) { p.logger = l }
}

// ExponentialBackoff retries up to maxRetries times, starting at initial and
// doubling each time.
func ExponentialBackoff(initial time.Duration, maxRetries int) func() backoff.BackOff {
	return func() backoff.BackOff {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = initial
		eb.MaxElapsedTime = 0
		return backoff.WithMaxRetries(eb, uint64(maxRetries))
	}
}

// NewPool creates a pool. Call Start before jobs are processed.
func NewPool(opts ...Option) *Pool {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	p := &Pool{
		workers:    4,
		newBackoff: ExponentialBackoff(200*time.Millisecond, 5),
		logger:     discard,
		handlers:   make(map[string]Handler),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle registers h for jobs of kind
func (p *Pool) Handle(kind string, h Handler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers[kind] = h
}

// Start launches the workers. Jobs stop being retried once ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.running.Add(1)
		go func() {
			defer p.running.Done()
			p.work(ctx)
		}()
	}
}

// Enqueue adds a job to the backlog and returns its id.
func (p *Pool) Enqueue(ctx context.Context, kind string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", ErrClosed
	}
	job := Job{ID: uuid.NewString(), Kind: kind, Payload: payload}
	p.pending.Add(1)
	p.backlog = append(p.backlog, job)
	p.cond.Signal()
	return job.ID, nil
}

// Wait blocks until every enqueued job, including jobs enqueued by handlers,
// has finished.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Close stops accepting jobs, lets the workers finish the backlog and waits
// for them to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.running.Wait()
}

func (p *Pool) next() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.backlog) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.backlog) == 0 {
		return Job{}, false
	}
	job := p.backlog[0]
	p.backlog[0] = Job{}
	p.backlog = p.backlog[1:]
	return job, true
}

func (p *Pool) work(ctx context.Context) {
	for {
		job, ok := p.next()
		if !ok {
			return
		}
		p.run(ctx, job)
		p.pending.Done()
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	p.handlersMu.RLock()
	h, ok := p.handlers[job.Kind]
	p.handlersMu.RUnlock()
	if !ok || h.Run == nil {
		p.logger.WithFields(logrus.Fields{"job": job.ID, "kind": job.Kind}).Error("no handler for job kind")
		return
	}
	execute(ctx, h, job, p.newBackoff(), p.logger)
}
