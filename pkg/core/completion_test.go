package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingCompletions(t *testing.T, s *SQLiteStore) int {
	t.Helper()
	n, err := s.PendingCompletions(context.Background())
	require.NoError(t, err)
	return n
}

func TestCompletionWaitsForHandler(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	res, err := s.AddEntry(ctx, AddEntryArgs{
		NamespaceID: ns.ID,
		Key:         "doc",
		Importance:  1,
		OnComplete:  "later",
		Chunks:      chunkInputs("doc", 2, 0),
	})
	require.NoError(t, err)
	require.Equal(t, StatusReady, res.Status)
	assert.Equal(t, 1, pendingCompletions(t, s), "unregistered handler keeps the notification queued")

	var rec completionRecorder
	s.RegisterCompletionHandler("later", rec.handle)
	require.NoError(t, s.DispatchCompletions(ctx))

	calls := rec.all()
	require.Len(t, calls, 1)
	assert.Equal(t, Completion{
		Namespace:   "docs",
		NamespaceID: ns.ID,
		Key:         "doc",
		EntryID:     res.Entry.ID,
		Success:     true,
	}, calls[0])
	assert.Equal(t, 0, pendingCompletions(t, s))

	require.NoError(t, s.DispatchCompletions(ctx))
	assert.Len(t, rec.all(), 1, "delivered rows are not redelivered")
}

func TestCompletionRetriedAfterHandlerError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	var attempts atomic.Int32
	s.RegisterCompletionHandler("flaky", func(context.Context, Completion) error {
		if attempts.Add(1) == 1 {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	_, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, OnComplete: "flaky", Chunks: chunkInputs("doc", 1, 0)})
	require.NoError(t, err, "handler errors do not fail the write")
	assert.EqualValues(t, 1, attempts.Load())
	assert.Equal(t, 1, pendingCompletions(t, s))

	require.NoError(t, s.DispatchCompletions(ctx))
	assert.EqualValues(t, 2, attempts.Load())
	assert.Equal(t, 0, pendingCompletions(t, s))
}

func TestDispatchCompletionsReportsFailures(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	_, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "other", Importance: 1, OnComplete: "broken", Chunks: chunkInputs("o", 1, 0)})
	require.NoError(t, err)

	boom := errors.New("boom")
	s.RegisterCompletionHandler("broken", func(context.Context, Completion) error { return boom })
	err = s.DispatchCompletions(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, pendingCompletions(t, s))

	s.RegisterCompletionHandler("broken", nil)
	require.NoError(t, s.DispatchCompletions(ctx))
	assert.Equal(t, 1, pendingCompletions(t, s))
}

func TestCompletionHandlerMayWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	var inner completionRecorder
	s.RegisterCompletionHandler("inner", inner.handle)

	var followUp atomic.Value
	s.RegisterCompletionHandler("outer", func(ctx context.Context, c Completion) error {
		res, err := s.AddEntry(ctx, AddEntryArgs{
			NamespaceID: c.NamespaceID,
			Key:         "follow-up",
			Importance:  1,
			OnComplete:  "inner",
			Chunks:      chunkInputs("follow", 1, 5),
		})
		if err != nil {
			return err
		}
		followUp.Store(res.Entry.ID)
		return nil
	})

	_, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, OnComplete: "outer", Chunks: chunkInputs("doc", 1, 0)})
	require.NoError(t, err)

	calls := inner.all()
	require.Len(t, calls, 1, "notification queued by a handler is delivered in the same dispatch")
	assert.Equal(t, followUp.Load(), calls[0].EntryID)
	assert.Equal(t, 0, pendingCompletions(t, s))
}

func TestFailEntryNotifies(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	var rec completionRecorder
	s.RegisterCompletionHandler("done", rec.handle)

	res, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, OnComplete: "done"})
	require.NoError(t, err)

	failed, err := s.FailEntry(ctx, res.Entry.ID, "chunker exploded")
	require.NoError(t, err)
	assert.Equal(t, StatusReplaced, failed.Status)

	calls := rec.all()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Success)
	assert.Equal(t, "chunker exploded", calls[0].Error)
	assert.Equal(t, res.Entry.ID, calls[0].EntryID)
}

func TestUnchangedAddWaitsForBusyDispatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	same := AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, ContentHash: "h1", Chunks: chunkInputs("doc", 1, 0)}
	_, err := s.AddEntry(ctx, same)
	require.NoError(t, err)

	started, release := make(chan struct{}), make(chan struct{})
	s.RegisterCompletionHandler("slow", func(context.Context, Completion) error {
		close(started)
		<-release
		return nil
	})
	var rec completionRecorder
	s.RegisterCompletionHandler("rec", rec.handle)

	slowDone := make(chan error, 1)
	go func() {
		_, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "other", Importance: 1, OnComplete: "slow", Chunks: chunkInputs("other", 1, 1)})
		slowDone <- err
	}()
	<-started

	same.OnComplete = "rec"
	sameDone := make(chan error, 1)
	go func() {
		_, err := s.AddEntry(ctx, same)
		sameDone <- err
	}()

	select {
	case err := <-sameDone:
		t.Fatalf("unchanged add returned while its notification was queued behind a busy handler: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-sameDone)
	calls := rec.all()
	require.Len(t, calls, 1, "the notification is delivered before the add returns")
	assert.True(t, calls[0].Success)
	require.NoError(t, <-slowDone)
	assert.Equal(t, 0, pendingCompletions(t, s))
}
