package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	boltStore, err := OpenBolt(filepath.Join(dir, "paperd.bolt"), "tx")
	require.NoError(t, err)
	t.Cleanup(func() { _ = boltStore.Close() })

	sqliteStore, err := OpenSQLite(filepath.Join(dir, "paperd.db"), "tx")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"bolt":   boltStore,
		"sqlite": sqliteStore,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, store.Ready(ctx))

			_, err := store.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Set(ctx, "a", []byte("one")))
			require.NoError(t, store.Set(ctx, "b", []byte("two")))
			require.NoError(t, store.Set(ctx, "a", []byte("one-updated")))

			value, err := store.Get(ctx, "a")
			require.NoError(t, err)
			require.Equal(t, []byte("one-updated"), value)

			keys, err := store.Keys(ctx)
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"a", "b"}, keys)

			require.NoError(t, store.Remove(ctx, "a"))
			_, err = store.Get(ctx, "a")
			require.ErrorIs(t, err, ErrNotFound)

			// Removing an absent key is a no-op.
			require.NoError(t, store.Remove(ctx, "a"))
		})
	}
}

func TestStoreNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	txStore, err := OpenSQLite(filepath.Join(dir, "paperd.db"), "tx")
	require.NoError(t, err)
	defer txStore.Close()
	idxStore := txStore.NewSQLiteNamespace("idx")

	require.NoError(t, txStore.Set(ctx, "k", []byte("tx-value")))
	require.NoError(t, idxStore.Set(ctx, "k", []byte("idx-value")))

	value, err := txStore.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("tx-value"), value)

	value, err = idxStore.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("idx-value"), value)

	boltTx, err := OpenBolt(filepath.Join(dir, "paperd.bolt"), "tx")
	require.NoError(t, err)
	defer boltTx.Close()
	boltIdx, err := boltTx.NewBoltBucket("idx")
	require.NoError(t, err)

	require.NoError(t, boltTx.Set(ctx, "k", []byte("tx-value")))
	keys, err := boltIdx.Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}
