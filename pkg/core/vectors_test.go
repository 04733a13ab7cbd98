package core

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqrag/pkg/filter"
)

func TestImportanceScaling(t *testing.T) {
	v := []float32{3, 4, 0}
	q := []float32{1, 1, 1}
	base := CosineSimilarity(q, v)

	for _, imp := range []float64{0, 0.25, 0.5, 1} {
		stored := importanceVector(v, imp)
		require.Len(t, stored, 4)

		var norm float64
		for _, x := range stored {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1, norm, 1e-5, "stored vectors stay unit length")
		assert.InDelta(t, imp*base, CosineSimilarity(queryVector(q), stored), 1e-5)
	}
}

func TestImportanceClamped(t *testing.T) {
	assert.Equal(t, 0.0, clampImportance(-1))
	assert.Equal(t, 0.0, clampImportance(math.NaN()))
	assert.Equal(t, 1.0, clampImportance(7))
	assert.Equal(t, 0.4, clampImportance(0.4))
}

func TestImportanceVectorMaxWidth(t *testing.T) {
	v := make([]float32, maxVectorWidth)
	v[0] = 1
	v[maxVectorWidth-1] = 1

	stored := importanceVector(v, 1)
	assert.Len(t, stored, maxVectorWidth)
	assert.InDelta(t, 1, stored[0], 1e-6, "the dropped component does not count toward the norm")
	assert.Len(t, queryVector(v), maxVectorWidth)
}

func TestFilterClause(t *testing.T) {
	a, b := filter.String("A"), filter.Int(2)

	where, args := filterClause("", nil)
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = filterClause("v.", []filter.Numbered{{&a}, {nil, &b}})
	assert.Equal(t, " AND ((v.f0 = ?) OR (v.f1 = ?))", where)
	assert.Equal(t, []any{"s:A", "i:2"}, args)

	where, args = filterClause("", []filter.Numbered{{&a, nil, &b}})
	assert.Equal(t, " AND ((f0 = ? AND f2 = ?))", where)
	assert.Equal(t, []any{"s:A", "i:2"}, args)

	where, _ = filterClause("", []filter.Numbered{{}})
	assert.Empty(t, where)
}

func TestEmbeddingLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	numbered, err := filter.Encode(ns.FilterNames, category("A"))
	require.NoError(t, err)

	near, err := s.InsertEmbedding(ctx, ns.ID, oneHot(0), 1, numbered)
	require.NoError(t, err)
	far, err := s.InsertEmbedding(ctx, ns.ID, oneHot(1), 1, filter.Numbered{})
	require.NoError(t, err)

	hits, err := s.SearchEmbeddings(ctx, ns.ID, oneHot(0), nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, near, hits[0].ID)
	assert.InDelta(t, 1, hits[0].Score, 1e-6)
	assert.Equal(t, far, hits[1].ID)

	hits, err = s.SearchEmbeddings(ctx, ns.ID, oneHot(1), []filter.Numbered{numbered}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, near, hits[0].ID)

	require.NoError(t, s.DeleteEmbedding(ctx, ns.ID, near))
	hits, err = s.SearchEmbeddings(ctx, ns.ID, oneHot(0), nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, far, hits[0].ID)
}

func TestInsertEmbeddingValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	ns := testNamespace(t, s)

	_, err := s.InsertEmbedding(ctx, ns.ID, []float32{1, 2}, 1, filter.Numbered{})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	bad := oneHot(0)
	bad[3] = float32(math.NaN())
	_, err = s.InsertEmbedding(ctx, ns.ID, bad, 1, filter.Numbered{})
	assert.ErrorIs(t, err, ErrInvalidVector)

	_, err = s.SearchEmbeddings(ctx, "missing", oneHot(0), nil, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupportedDimensions(t *testing.T) {
	dims := SupportedDimensions()
	assert.Contains(t, dims, 1536)
	assert.NoError(t, validateDimension(768))
	assert.ErrorIs(t, validateDimension(100), ErrUnsupportedDimension)

	dims[0] = -1
	assert.Equal(t, 128, SupportedDimensions()[0])
}
