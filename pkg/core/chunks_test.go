package core

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Each replace of a 128-dim chunk with searchable text "x chunk n" is
// estimated at 1242 bytes per side of the swap.
func smallBudget(soft, hard int) func(*Config) {
	return func(c *Config) {
		c.Bandwidth = BandwidthConfig{SoftLimit: soft, HardLimit: hard}
	}
}

func addPending(t *testing.T, s *SQLiteStore, ns *Namespace, key string) *Entry {
	t.Helper()
	res, err := s.AddEntry(context.Background(), AddEntryArgs{NamespaceID: ns.ID, Key: key, Importance: 1})
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)
	return res.Entry
}

func chunkStates(t *testing.T, s *SQLiteStore, entryID string) []Status {
	t.Helper()
	page, err := s.ListChunks(context.Background(), entryID, PageOptions{Limit: 1000})
	require.NoError(t, err)
	out := make([]Status, len(page.Chunks))
	for i, c := range page.Chunks {
		out[i] = c.State
	}
	return out
}

func TestInsertChunksWithoutPreviousGoesReady(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)
	e := addPending(t, s, ns, "doc")

	res, err := s.InsertChunks(ctx, e.ID, 0, chunkInputs("a", 3, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusReady, res.Status)
	assert.Equal(t, []Status{StatusReady, StatusReady, StatusReady}, chunkStates(t, s, e.ID))

	// The entry itself only becomes ready through the sweep.
	page, err := s.ReplaceChunksPage(ctx, e.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, page.Status)
}

func TestInsertChunksIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)
	e := addPending(t, s, ns, "doc")

	for i := 0; i < 3; i++ {
		_, err := s.InsertChunks(ctx, e.ID, 0, chunkInputs("a", 2, 0))
		require.NoError(t, err)
	}
	_, err := s.InsertChunks(ctx, e.ID, 2, chunkInputs("b", 2, 2))
	require.NoError(t, err)

	assert.Equal(t, 4, countRows(t, s, `SELECT COUNT(*) FROM chunks WHERE entry_id = ?`, e.ID))
	assert.Equal(t, 4, countRows(t, s, `SELECT COUNT(*) FROM contents`))
	assert.Equal(t, 4, countRows(t, s, `SELECT COUNT(*) FROM vectors_128`))
	assert.Equal(t, 4, countRows(t, s, `SELECT COUNT(*) FROM chunk_fts`))
}

func TestInsertChunksValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, func(c *Config) { c.MaxChunksPerAdd = 2 })
	ns := testNamespace(t, s)
	e := addPending(t, s, ns, "doc")

	_, err := s.InsertChunks(ctx, e.ID, -1, chunkInputs("a", 1, 0))
	assert.ErrorIs(t, err, ErrInvalidOrder)

	_, err = s.InsertChunks(ctx, e.ID, 0, chunkInputs("a", 3, 0))
	assert.ErrorIs(t, err, ErrTooManyChunks)

	_, err = s.InsertChunks(ctx, e.ID, 0, []ChunkInput{{Text: "short", Embedding: []float32{1, 2}}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = s.InsertChunks(ctx, e.ID, 0, []ChunkInput{{Text: "none"}})
	assert.ErrorIs(t, err, ErrInvalidVector)

	_, err = s.InsertChunks(ctx, "missing", 0, chunkInputs("a", 1, 0))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 0, countRows(t, s, `SELECT COUNT(*) FROM chunks`))
}

func TestInsertChunksRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	older := addPending(t, s, ns, "doc")
	newer := addPending(t, s, ns, "doc")
	require.Greater(t, newer.Version, older.Version)

	_, err := s.InsertChunks(ctx, older.ID, 0, chunkInputs("a", 1, 0))
	assert.ErrorIs(t, err, ErrStaleVersion)

	_, err = s.InsertChunks(ctx, newer.ID, 0, chunkInputs("b", 1, 0))
	assert.NoError(t, err)
}

func TestReplaceChunksPageResumes(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, smallBudget(3000, 5000))
	ns := testNamespace(t, s)

	v0, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, Chunks: chunkInputs("a", 10, 0)})
	require.NoError(t, err)
	require.Equal(t, StatusReady, v0.Status)

	v1 := addPending(t, s, ns, "doc")
	res, err := s.InsertChunks(ctx, v1.ID, 0, chunkInputs("b", 10, 20))
	require.NoError(t, err)
	require.Equal(t, StatusPending, res.Status)

	calls, next := 0, 0
	for {
		page, err := s.ReplaceChunksPage(ctx, v1.ID, next)
		require.NoError(t, err)
		calls++
		if page.Status != StatusPending {
			require.Equal(t, StatusReady, page.Status)
			require.NotNil(t, page.ReplacedEntry)
			assert.Equal(t, v0.Entry.ID, page.ReplacedEntry.ID)
			break
		}
		require.Greater(t, page.NextStartOrder, next, "every step makes progress")
		next = page.NextStartOrder

		// Mid-sweep both versions are partially live but no order is doubled.
		assert.Equal(t, 10, countRows(t, s, `SELECT COUNT(*) FROM vectors_128`))
		require.Less(t, calls, 20)
	}
	assert.Greater(t, calls, 1, "the budget forces several steps")

	for _, st := range chunkStates(t, s, v0.Entry.ID) {
		assert.Equal(t, StatusReplaced, st)
	}
	for _, st := range chunkStates(t, s, v1.ID) {
		assert.Equal(t, StatusReady, st)
	}
	assert.Equal(t, 1, readyCount(t, s, ns.ID, "doc"))
}

func TestReplaceChunksPageHardStopMidOrder(t *testing.T) {
	ctx := context.Background()
	// Order 0 costs 2484; order 1 fits its first chunk but not its second.
	s := newTestStore(t, smallBudget(4000, 4000))
	ns := testNamespace(t, s)

	v0, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, Chunks: chunkInputs("a", 3, 0)})
	require.NoError(t, err)
	v1 := addPending(t, s, ns, "doc")
	_, err = s.InsertChunks(ctx, v1.ID, 0, chunkInputs("b", 3, 20))
	require.NoError(t, err)

	page, err := s.ReplaceChunksPage(ctx, v1.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StatusPending, page.Status)
	assert.Equal(t, 1, page.NextStartOrder, "hard stop resumes inside order 1")
	assert.Equal(t, []Status{StatusReady, StatusReady, StatusPending}, chunkStates(t, s, v1.ID))
	assert.Equal(t, []Status{StatusReplaced, StatusReady, StatusReady}, chunkStates(t, s, v0.Entry.ID))

	for page.Status == StatusPending {
		page, err = s.ReplaceChunksPage(ctx, v1.ID, page.NextStartOrder)
		require.NoError(t, err)
	}
	assert.Equal(t, StatusReady, page.Status)
	assert.Equal(t, []Status{StatusReplaced, StatusReplaced, StatusReplaced}, chunkStates(t, s, v0.Entry.ID))
}

func TestReplaceChunksPageCountsChunkText(t *testing.T) {
	ctx := context.Background()
	// With 1000 bytes of text each side of order 0 costs 3224, which uses up
	// the soft budget; vectors alone would leave room for order 1.
	s := newTestStore(t, smallBudget(4000, 4000))
	ns := testNamespace(t, s)

	long := func(prefix string, offset int) []ChunkInput {
		out := chunkInputs(prefix, 2, offset)
		for i := range out {
			out[i].Text = strings.Repeat(prefix, 1000)
		}
		return out
	}
	v0, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, Chunks: long("a", 0)})
	require.NoError(t, err)
	for status := v0.Status; status == StatusPending; {
		res, err := s.ReplaceChunksPage(ctx, v0.Entry.ID, v0.NextStartOrder)
		require.NoError(t, err)
		status, v0.NextStartOrder = res.Status, res.NextStartOrder
	}
	require.Equal(t, 1, readyCount(t, s, ns.ID, "doc"))

	v1 := addPending(t, s, ns, "doc")
	_, err = s.InsertChunks(ctx, v1.ID, 0, long("b", 10))
	require.NoError(t, err)

	page, err := s.ReplaceChunksPage(ctx, v1.ID, 0)
	require.NoError(t, err)
	require.Equal(t, StatusPending, page.Status)
	assert.Equal(t, 1, page.NextStartOrder)
	assert.Equal(t, []Status{StatusReady, StatusPending}, chunkStates(t, s, v1.ID))
}

func TestReplaceChunksPageProgressesPastOversizedOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, smallBudget(500, 500))
	ns := testNamespace(t, s)

	_, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, Chunks: chunkInputs("a", 2, 0)})
	require.NoError(t, err)
	v1 := addPending(t, s, ns, "doc")
	_, err = s.InsertChunks(ctx, v1.ID, 0, chunkInputs("b", 2, 20))
	require.NoError(t, err)

	next := 0
	for i := 0; ; i++ {
		require.Less(t, i, 10)
		page, err := s.ReplaceChunksPage(ctx, v1.ID, next)
		require.NoError(t, err)
		if page.Status == StatusReady {
			break
		}
		assert.Equal(t, next+1, page.NextStartOrder, "a whole order is processed even above budget")
		next = page.NextStartOrder
	}
}

func TestReplaceChunksPageSuperseded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	older := addPending(t, s, ns, "doc")
	_, err := s.InsertChunks(ctx, older.ID, 0, chunkInputs("a", 1, 0))
	require.NoError(t, err)

	_, err = s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, Chunks: chunkInputs("b", 1, 1)})
	require.NoError(t, err)

	page, err := s.ReplaceChunksPage(ctx, older.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, StatusReplaced, page.Status)
}

func TestRetireChunksPageIsBounded(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, smallBudget(3000, 3000))
	ns := testNamespace(t, s)

	e := addPending(t, s, ns, "doc")
	_, err := s.InsertChunks(ctx, e.ID, 0, chunkInputs("a", 5, 0))
	require.NoError(t, err)

	page, err := s.RetireChunksPage(ctx, e.ID, 0)
	require.NoError(t, err)
	assert.True(t, page.IsDone, "entries that are not replaced are left alone")
	assert.Equal(t, 5, countRows(t, s, `SELECT COUNT(*) FROM vectors_128`))

	_, err = s.db.ExecContext(ctx, `UPDATE entries SET status = ? WHERE id = ?`, string(StatusReplaced), e.ID)
	require.NoError(t, err)

	var stops []int
	next := 0
	for i := 0; ; i++ {
		require.Less(t, i, 10)
		page, err := s.RetireChunksPage(ctx, e.ID, next)
		require.NoError(t, err)
		if page.IsDone {
			break
		}
		next = page.NextStartOrder
		stops = append(stops, next)
	}
	assert.Equal(t, []int{2, 4}, stops, "two chunks fit a step")
	assert.Equal(t, []Status{StatusReplaced, StatusReplaced, StatusReplaced, StatusReplaced, StatusReplaced}, chunkStates(t, s, e.ID))
	assert.Equal(t, 0, countRows(t, s, `SELECT COUNT(*) FROM vectors_128`))
	assert.Equal(t, 0, countRows(t, s, `SELECT COUNT(*) FROM chunk_fts`))

	page, err = s.RetireChunksPage(ctx, "missing", 0)
	require.NoError(t, err)
	assert.True(t, page.IsDone)
}

func TestDeleteEntryPageSpansMultipleCalls(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, smallBudget(3000, 3000))
	ns := testNamespace(t, s)

	res, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, Chunks: chunkInputs("a", 10, 0)})
	require.NoError(t, err)
	require.Equal(t, StatusReady, res.Status)

	calls, next := 0, 0
	for {
		page, err := s.DeleteEntryPage(ctx, res.Entry.ID, next)
		require.NoError(t, err)
		calls++
		if page.IsDone {
			break
		}
		next = page.NextStartOrder
		require.Less(t, calls, 20)
	}
	assert.Greater(t, calls, 1)

	assert.Equal(t, 0, countRows(t, s, `SELECT COUNT(*) FROM chunks`))
	assert.Equal(t, 0, countRows(t, s, `SELECT COUNT(*) FROM contents`))
	assert.Equal(t, 0, countRows(t, s, `SELECT COUNT(*) FROM vectors_128`))
	assert.Equal(t, 0, countRows(t, s, `SELECT COUNT(*) FROM chunk_fts`))
	assert.Equal(t, 0, countRows(t, s, `SELECT COUNT(*) FROM entries`))

	page, err := s.DeleteEntryPage(ctx, res.Entry.ID, 0)
	require.NoError(t, err)
	assert.True(t, page.IsDone, "deleting a deleted entry is done")

	_, err = s.DeleteChunksPage(ctx, res.Entry.ID, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteByKeyPage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	for i := 0; i < 3; i++ {
		_, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, ContentHash: string(rune('a' + i)), Chunks: chunkInputs("x", 2, i)})
		require.NoError(t, err)
	}
	_, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "other", Importance: 1, Chunks: chunkInputs("y", 1, 9)})
	require.NoError(t, err)

	next := 0
	for i := 0; ; i++ {
		require.Less(t, i, 10)
		page, err := s.DeleteByKeyPage(ctx, ns.ID, "doc", next)
		require.NoError(t, err)
		if page.IsDone {
			break
		}
		next = page.NextStartOrder
	}

	assert.Equal(t, 0, countRows(t, s, `SELECT COUNT(*) FROM entries WHERE key = 'doc'`))
	assert.Equal(t, 1, countRows(t, s, `SELECT COUNT(*) FROM entries WHERE key = 'other'`))
	assert.Equal(t, 1, countRows(t, s, `SELECT COUNT(*) FROM chunks`))
	assert.Equal(t, 1, countRows(t, s, `SELECT COUNT(*) FROM vectors_128`))
}

func TestListChunksPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	res, err := s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "doc", Importance: 1, Chunks: chunkInputs("a", 5, 0)})
	require.NoError(t, err)

	var orders []int
	page := PageOptions{Limit: 2}
	for {
		out, err := s.ListChunks(ctx, res.Entry.ID, page)
		require.NoError(t, err)
		for _, c := range out.Chunks {
			orders = append(orders, c.Order)
			assert.Equal(t, c.Text, c.SearchableText)
		}
		if out.IsDone {
			break
		}
		page.Cursor = out.NextCursor
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, orders)

	_, err = s.ListChunks(ctx, res.Entry.ID, PageOptions{Cursor: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidOrder)
}
