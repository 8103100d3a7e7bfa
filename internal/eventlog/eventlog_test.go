package eventlog

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/paperwork/paperd/internal/kv"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	return New(kv.NewMemory(), kv.NewMemory(), zerolog.Nop())
}

func TestCreateUpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	id, err := log.Create(ctx, `{"title":"first"}`)
	require.NoError(t, err)

	entry, err := log.Show(ctx, id)
	require.NoError(t, err)
	require.Equal(t, `{"title":"first"}`, entry.MaterializedView)

	_, err = log.Update(ctx, id, `{"title":"second"}`)
	require.NoError(t, err)
	_, err = log.Update(ctx, id, `{"title":"third","tags":["a"]}`)
	require.NoError(t, err)

	entry, err = log.Show(ctx, id)
	require.NoError(t, err)
	require.Equal(t, `{"title":"third","tags":["a"]}`, entry.MaterializedView)

	// Replaying the chain from the root reproduces the latest document.
	chain, err := log.Chain(ctx, id)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.NoError(t, ValidateChain(id, chain))

	view, err := Materialize(chain)
	require.NoError(t, err)
	require.Equal(t, entry.MaterializedView, view)
}

func TestChainLinkage(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	id, err := log.Create(ctx, "v1")
	require.NoError(t, err)
	_, err = log.Update(ctx, id, "v2")
	require.NoError(t, err)

	chain, err := log.Chain(ctx, id)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, TxCreate, chain[0].Type)
	require.Empty(t, chain[0].RevisesID)
	require.Equal(t, TxUpdate, chain[1].Type)
	require.Equal(t, chain[0].ID, chain[1].RevisesID)

	// ULID transaction ids sort in append order.
	require.Less(t, chain[0].ID, chain[1].ID)

	txIDs, err := log.IndexTx(ctx)
	require.NoError(t, err)
	require.Len(t, txIDs, 2)

	tx, err := log.ShowTx(ctx, chain[1].ID)
	require.NoError(t, err)
	require.Equal(t, id, tx.StaticID)
}

func TestUpdateUnknownEntity(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	_, err := log.Update(ctx, "00000000-0000-0000-0000-000000000000", "doc")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDestroyAppendsTransactionAndTombstones(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	id, err := log.Create(ctx, "to be deleted")
	require.NoError(t, err)

	_, err = log.Destroy(ctx, id)
	require.NoError(t, err)

	// Reads of a tombstoned entity fail...
	_, err = log.Show(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = log.Update(ctx, id, "resurrect")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = log.Destroy(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)

	// ...but the entry is retained so the deletion replicates.
	ids, err := log.Index(ctx)
	require.NoError(t, err)
	require.Contains(t, ids, id)

	entry, err := log.Entry(ctx, id)
	require.NoError(t, err)
	require.True(t, entry.Deleted())
	require.Equal(t, "to be deleted", entry.MaterializedView)

	// The deletion is a chain entry, not just an index flag.
	chain, err := log.Chain(ctx, id)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	require.Equal(t, TxDestroy, chain[1].Type)
	require.Equal(t, entry.LatestTxID, chain[1].ID)
}

func TestAdoptChainRebuildsIndex(t *testing.T) {
	ctx := context.Background()
	source := newTestLog(t)
	target := newTestLog(t)

	id, err := source.Create(ctx, "hello")
	require.NoError(t, err)
	_, err = source.Update(ctx, id, "hello world")
	require.NoError(t, err)

	chain, err := source.Chain(ctx, id)
	require.NoError(t, err)

	require.NoError(t, target.AdoptChain(ctx, id, chain))

	entry, err := target.Show(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "hello world", entry.MaterializedView)
	require.Equal(t, chain[1].ID, entry.LatestTxID)
	require.Equal(t, chain[0].Timestamp, entry.CreatedAt)

	// Adopting a chain ending in destroy tombstones the entry.
	_, err = source.Destroy(ctx, id)
	require.NoError(t, err)
	chain, err = source.Chain(ctx, id)
	require.NoError(t, err)

	require.NoError(t, target.AdoptChain(ctx, id, chain))
	entry, err = target.Entry(ctx, id)
	require.NoError(t, err)
	require.True(t, entry.Deleted())
}

func TestAdoptChainRejectsBrokenChains(t *testing.T) {
	ctx := context.Background()
	log := newTestLog(t)

	require.Error(t, log.AdoptChain(ctx, "e1", nil))

	err := log.AdoptChain(ctx, "e1", []Transaction{
		{ID: "t1", Type: TxCreate, StaticID: "e2"},
	})
	require.Error(t, err)

	err = log.AdoptChain(ctx, "e1", []Transaction{
		{ID: "t1", Type: TxCreate, StaticID: "e1"},
		{ID: "t2", Type: TxUpdate, StaticID: "e1", RevisesID: "bogus"},
	})
	require.Error(t, err)
}
