package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty path", func(c *Config) { c.Path = "" }},
		{"soft above hard", func(c *Config) { c.Bandwidth.SoftLimit = c.Bandwidth.HardLimit + 1 }},
		{"zero hard", func(c *Config) { c.Bandwidth.HardLimit = 0 }},
		{"zero chunks per add", func(c *Config) { c.MaxChunksPerAdd = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.Path = filepath.Join(t.TempDir(), "x.db")
			tt.mutate(&config)
			_, err := NewWithConfig(config)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestInitAndClose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "init.db")

	store, err := New(path)
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Init(ctx), "second Init is a no-op")

	ns, err := store.GetOrCreateNamespace(ctx, NamespaceSpec{Name: "a", ModelID: testModel, Dimension: testDim})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "second Close is a no-op")

	_, err = store.GetNamespace(ctx, ns.ID)
	assert.ErrorIs(t, err, ErrStoreClosed)

	var se *StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "get_namespace", se.Op)

	// Schema creation is idempotent and data survives a reopen.
	reopened, err := New(path)
	require.NoError(t, err)
	require.NoError(t, reopened.Init(ctx))
	defer func() { _ = reopened.Close() }()

	got, err := reopened.GetNamespace(ctx, ns.ID)
	require.NoError(t, err)
	assert.Equal(t, ns.Name, got.Name)
}

func TestUninitializedStore(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "never.db"))
	require.NoError(t, err)

	_, err = store.ListNamespaces(context.Background(), "")
	assert.ErrorIs(t, err, ErrStoreClosed)
}
