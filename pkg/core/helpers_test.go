package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqrag/pkg/filter"
)

const (
	testDim   = 128
	testModel = "test-model"
)

var testFilterNames = []string{"category", "author"}

func newTestStore(t *testing.T, mutate ...func(*Config)) *SQLiteStore {
	t.Helper()

	config := DefaultConfig()
	config.Path = filepath.Join(t.TempDir(), "test.db")
	for _, m := range mutate {
		m(&config)
	}

	store, err := NewWithConfig(config)
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testNamespace(t *testing.T, s *SQLiteStore) *Namespace {
	t.Helper()
	ns, err := s.GetOrCreateNamespace(context.Background(), NamespaceSpec{
		Name:        "docs",
		ModelID:     testModel,
		Dimension:   testDim,
		FilterNames: testFilterNames,
	})
	require.NoError(t, err)
	return ns
}

// oneHot returns a unit vector along axis i.
func oneHot(i int) []float32 {
	v := make([]float32, testDim)
	v[i%testDim] = 1
	return v
}

// chunkInputs builds n chunks whose embeddings are one-hot on axes
// offset..offset+n-1.
func chunkInputs(prefix string, n, offset int) []ChunkInput {
	out := make([]ChunkInput, n)
	for i := range out {
		out[i] = ChunkInput{
			Text:      fmt.Sprintf("%s chunk %d", prefix, i),
			Embedding: oneHot(offset + i),
		}
	}
	return out
}

func countRows(t *testing.T, s *SQLiteStore, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}

func readyCount(t *testing.T, s *SQLiteStore, namespaceID, key string) int {
	t.Helper()
	return countRows(t, s, `SELECT COUNT(*) FROM entries WHERE namespace_id = ? AND key = ? AND status = ?`,
		namespaceID, key, string(StatusReady))
}

// completionRecorder collects completion notifications.
type completionRecorder struct {
	mu    sync.Mutex
	calls []Completion
}

func (r *completionRecorder) handle(_ context.Context, c Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return nil
}

func (r *completionRecorder) all() []Completion {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Completion, len(r.calls))
	copy(out, r.calls)
	return out
}

func category(v string) []filter.Named {
	return []filter.Named{{Name: "category", Value: filter.String(v)}}
}
