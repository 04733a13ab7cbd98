package workpool

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	opts = append([]Option{WithBackoff(ExponentialBackoff(time.Millisecond, 2))}, opts...)
	p := NewPool(opts...)
	p.Start(context.Background())
	t.Cleanup(p.Close)
	return p
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	p := startPool(t)

	var attempts atomic.Int32
	var failed atomic.Bool
	p.Handle("flaky", Handler{
		Run: func(_ context.Context, job Job) error {
			if attempts.Add(1) < 3 {
				return errors.New("not yet")
			}
			assert.Equal(t, 3, job.Attempt)
			assert.Equal(t, []byte("payload"), job.Payload)
			return nil
		},
		Fail: func(context.Context, Job, error) { failed.Store(true) },
	})

	id, err := p.Enqueue(context.Background(), "flaky", []byte("payload"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	p.Wait()

	assert.EqualValues(t, 3, attempts.Load())
	assert.False(t, failed.Load())
}

func TestPoolCallsFailAfterRetries(t *testing.T) {
	p := startPool(t)

	boom := errors.New("boom")
	var attempts atomic.Int32
	var (
		mu      sync.Mutex
		failErr error
		failJob Job
	)
	p.Handle("broken", Handler{
		Run: func(context.Context, Job) error {
			attempts.Add(1)
			return boom
		},
		Fail: func(_ context.Context, job Job, err error) {
			mu.Lock()
			defer mu.Unlock()
			failJob, failErr = job, err
		},
	})

	id, err := p.Enqueue(context.Background(), "broken", nil)
	require.NoError(t, err)
	p.Wait()

	assert.EqualValues(t, 3, attempts.Load(), "one run plus two retries")
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, failErr, boom)
	assert.Equal(t, id, failJob.ID)
	assert.Equal(t, 3, failJob.Attempt)
}

func TestPoolPermanentErrorStopsRetries(t *testing.T) {
	p := startPool(t)

	var attempts atomic.Int32
	var failed atomic.Bool
	p.Handle("bad-input", Handler{
		Run: func(context.Context, Job) error {
			attempts.Add(1)
			return Permanent(errors.New("malformed"))
		},
		Fail: func(context.Context, Job, error) { failed.Store(true) },
	})

	_, err := p.Enqueue(context.Background(), "bad-input", nil)
	require.NoError(t, err)
	p.Wait()

	assert.EqualValues(t, 1, attempts.Load())
	assert.True(t, failed.Load())
}

func TestPoolFollowUpJobs(t *testing.T) {
	p := startPool(t, WithWorkers(2))

	var seen atomic.Int32
	p.Handle("page", Handler{Run: func(ctx context.Context, job Job) error {
		n, err := strconv.Atoi(string(job.Payload))
		if err != nil {
			return Permanent(err)
		}
		seen.Add(1)
		if n < 5 {
			_, err := p.Enqueue(ctx, "page", []byte(strconv.Itoa(n+1)))
			return err
		}
		return nil
	}})

	_, err := p.Enqueue(context.Background(), "page", []byte("1"))
	require.NoError(t, err)
	p.Wait()
	assert.EqualValues(t, 5, seen.Load())
}

func TestPoolUnknownKindAndClose(t *testing.T) {
	p := NewPool()
	p.Start(context.Background())

	_, err := p.Enqueue(context.Background(), "nobody", nil)
	require.NoError(t, err)
	p.Wait()

	p.Close()
	_, err = p.Enqueue(context.Background(), "nobody", nil)
	assert.ErrorIs(t, err, ErrClosed)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewPool().Enqueue(cancelled, "x", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSyncQueueRunsInline(t *testing.T) {
	q := NewSyncQueue()

	var order []string
	q.Handle("outer", Handler{Run: func(ctx context.Context, job Job) error {
		order = append(order, "outer start")
		if _, err := q.Enqueue(ctx, "inner", nil); err != nil {
			return err
		}
		order = append(order, "outer end")
		return nil
	}})
	q.Handle("inner", Handler{Run: func(context.Context, Job) error {
		order = append(order, "inner")
		return nil
	}})

	_, err := q.Enqueue(context.Background(), "outer", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer start", "outer end", "inner"}, order)

	jobs := q.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "outer", jobs[0].Kind)
	assert.Equal(t, "inner", jobs[1].Kind)
}

func TestSyncQueueRetries(t *testing.T) {
	q := NewSyncQueue()
	q.Retries = 1

	var attempts int
	var failErr error
	q.Handle("broken", Handler{
		Run: func(context.Context, Job) error {
			attempts++
			return errors.New("boom")
		},
		Fail: func(_ context.Context, _ Job, err error) { failErr = err },
	})

	_, err := q.Enqueue(context.Background(), "broken", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Error(t, failErr)

	_, err = q.Enqueue(context.Background(), "unregistered", nil)
	require.NoError(t, err)
}
