package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/sqrag/pkg/filter"
)

func TestGetOrCreateNamespace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first := testNamespace(t, s)
	assert.Equal(t, 0, first.Version)
	assert.Equal(t, StatusReady, first.Status)

	again := testNamespace(t, s)
	assert.Equal(t, first.ID, again.ID, "compatible schema reuses the namespace")

	t.Run("schema change creates a new version", func(t *testing.T) {
		reordered, err := s.GetOrCreateNamespace(ctx, NamespaceSpec{
			Name:        "docs",
			ModelID:     testModel,
			Dimension:   testDim,
			FilterNames: []string{"author", "category"},
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, reordered.ID)
		assert.Equal(t, 1, reordered.Version)

		bigger, err := s.GetOrCreateNamespace(ctx, NamespaceSpec{
			Name:        "docs",
			ModelID:     testModel,
			Dimension:   256,
			FilterNames: testFilterNames,
		})
		require.NoError(t, err)
		assert.Equal(t, 2, bigger.Version)

		// The original version is still served unchanged.
		orig, err := s.GetNamespace(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, testDim, orig.Dimension)
		assert.Equal(t, testFilterNames, orig.FilterNames)
	})

	t.Run("status is part of the match", func(t *testing.T) {
		pending, err := s.GetOrCreateNamespace(ctx, NamespaceSpec{
			Name:        "docs",
			ModelID:     testModel,
			Dimension:   testDim,
			FilterNames: testFilterNames,
			Status:      StatusPending,
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, pending.ID)
		assert.Equal(t, StatusPending, pending.Status)
	})
}

func TestGetOrCreateNamespaceValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetOrCreateNamespace(ctx, NamespaceSpec{Name: "x", ModelID: testModel, Dimension: 100})
	assert.ErrorIs(t, err, ErrUnsupportedDimension)

	_, err = s.GetOrCreateNamespace(ctx, NamespaceSpec{
		Name:        "x",
		ModelID:     testModel,
		Dimension:   testDim,
		FilterNames: []string{"a", "b", "c", "d", "e"},
	})
	assert.ErrorIs(t, err, filter.ErrTooManyFilters)

	_, err = s.GetOrCreateNamespace(ctx, NamespaceSpec{Name: "", ModelID: testModel, Dimension: testDim})
	assert.Error(t, err)
}

func TestLookupNamespace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ns, err := s.LookupNamespace(ctx, "docs", testModel, testDim, testFilterNames)
	require.NoError(t, err)
	assert.Nil(t, ns, "unknown namespace is not an error")

	created := testNamespace(t, s)

	ns, err = s.LookupNamespace(ctx, "docs", testModel, testDim, testFilterNames)
	require.NoError(t, err)
	require.NotNil(t, ns)
	assert.Equal(t, created.ID, ns.ID)

	ns, err = s.LookupNamespace(ctx, "docs", "other-model", testDim, testFilterNames)
	require.NoError(t, err)
	assert.Nil(t, ns, "incompatible schema is not an error")

	_, err = s.GetOrCreateNamespace(ctx, NamespaceSpec{Name: "drafts", ModelID: testModel, Dimension: testDim, Status: StatusPending})
	require.NoError(t, err)
	ns, err = s.LookupNamespace(ctx, "drafts", testModel, testDim, nil)
	require.NoError(t, err)
	assert.Nil(t, ns, "only ready namespaces are served")
}

func TestListAndDeleteNamespaces(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ns := testNamespace(t, s)
	empty, err := s.GetOrCreateNamespace(ctx, NamespaceSpec{Name: "empty", ModelID: testModel, Dimension: 256})
	require.NoError(t, err)

	all, err := s.ListNamespaces(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.AddEntry(ctx, AddEntryArgs{NamespaceID: ns.ID, Key: "k", Importance: 1})
	require.NoError(t, err)

	assert.ErrorIs(t, s.DeleteNamespace(ctx, ns.ID), ErrNamespaceNotEmpty)
	require.NoError(t, s.DeleteNamespace(ctx, empty.ID))
	assert.ErrorIs(t, s.DeleteNamespace(ctx, empty.ID), ErrNotFound)

	ready, err := s.ListNamespaces(ctx, StatusReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, ns.ID, ready[0].ID)
}
