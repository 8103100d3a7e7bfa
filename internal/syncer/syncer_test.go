package syncer

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/paperwork/paperd/internal/eventlog"
	"github.com/paperwork/paperd/internal/kv"
	"github.com/paperwork/paperd/internal/protocol"
)

// loopback routes sync messages synchronously between two services, so
// a full announce/offer/entries round completes within one SyncWith
// call.
type loopback struct {
	selfID string
	peers  map[string]*Service
}

func (l *loopback) Send(ctx context.Context, peerID string, msg protocol.Message) error {
	peer, ok := l.peers[peerID]
	if !ok {
		return fmt.Errorf("unknown peer %s", peerID)
	}
	return peer.HandleSync(ctx, l.selfID, msg.Payload)
}

func (l *loopback) SendAll(ctx context.Context, msg protocol.Message) error {
	for _, peer := range l.peers {
		if err := peer.HandleSync(ctx, l.selfID, msg.Payload); err != nil {
			return err
		}
	}
	return nil
}

func newLog(t *testing.T) *eventlog.Log {
	t.Helper()
	return eventlog.New(kv.NewMemory(), kv.NewMemory(), zerolog.Nop())
}

// pairedServices wires two logs together through loopback senders.
func pairedServices(t *testing.T) (*eventlog.Log, *eventlog.Log, *Service, *Service) {
	t.Helper()
	logA := newLog(t)
	logB := newLog(t)

	senderA := &loopback{selfID: "a", peers: map[string]*Service{}}
	senderB := &loopback{selfID: "b", peers: map[string]*Service{}}
	svcA := New(logA, senderA, nil, zerolog.Nop())
	svcB := New(logB, senderB, nil, zerolog.Nop())
	senderA.peers["b"] = svcB
	senderB.peers["a"] = svcA
	return logA, logB, svcA, svcB
}

func requireSameIndex(t *testing.T, ctx context.Context, logA, logB *eventlog.Log) {
	t.Helper()
	entriesA, err := logA.Entries(ctx)
	require.NoError(t, err)
	entriesB, err := logB.Entries(ctx)
	require.NoError(t, err)
	require.Equal(t, len(entriesA), len(entriesB))

	byID := map[string]eventlog.IndexEntry{}
	for _, e := range entriesB {
		byID[e.EntityID] = e
	}
	for _, a := range entriesA {
		b, ok := byID[a.EntityID]
		require.True(t, ok, "entity %s missing on b", a.EntityID)
		require.Equal(t, a.LatestTxID, b.LatestTxID, "entity %s tips differ", a.EntityID)
		require.Equal(t, a.MaterializedView, b.MaterializedView, "entity %s views differ", a.EntityID)
		require.Equal(t, a.Deleted(), b.Deleted(), "entity %s tombstones differ", a.EntityID)
	}
}

func TestSyncConvergesDisjointLogs(t *testing.T) {
	ctx := context.Background()
	logA, logB, svcA, _ := pairedServices(t)

	idA, err := logA.Create(ctx, "groceries: milk, bread")
	require.NoError(t, err)
	idB, err := logB.Create(ctx, "meeting notes for thursday")
	require.NoError(t, err)

	require.NoError(t, svcA.SyncWith(ctx, "b"))

	requireSameIndex(t, ctx, logA, logB)

	entry, err := logB.Show(ctx, idA)
	require.NoError(t, err)
	require.Equal(t, "groceries: milk, bread", entry.MaterializedView)

	entry, err = logA.Show(ctx, idB)
	require.NoError(t, err)
	require.Equal(t, "meeting notes for thursday", entry.MaterializedView)
}

func TestSyncIsIdempotentWhenLevel(t *testing.T) {
	ctx := context.Background()
	logA, logB, svcA, svcB := pairedServices(t)

	_, err := logA.Create(ctx, "a note")
	require.NoError(t, err)
	require.NoError(t, svcA.SyncWith(ctx, "b"))

	txsBefore, err := logB.IndexTx(ctx)
	require.NoError(t, err)

	require.NoError(t, svcA.SyncWith(ctx, "b"))
	require.NoError(t, svcB.SyncWith(ctx, "a"))

	txsAfter, err := logB.IndexTx(ctx)
	require.NoError(t, err)
	require.Equal(t, txsBefore, txsAfter)
	requireSameIndex(t, ctx, logA, logB)
}

func TestSyncReplicatesLinearExtension(t *testing.T) {
	ctx := context.Background()
	logA, logB, svcA, _ := pairedServices(t)

	id, err := logA.Create(ctx, "draft")
	require.NoError(t, err)
	require.NoError(t, svcA.SyncWith(ctx, "b"))

	_, err = logB.Update(ctx, id, "draft, revised")
	require.NoError(t, err)

	// The initiator pulls the extension it is missing.
	require.NoError(t, svcA.SyncWith(ctx, "b"))

	entry, err := logA.Show(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "draft, revised", entry.MaterializedView)
	requireSameIndex(t, ctx, logA, logB)

	chain, err := logA.Chain(ctx, id)
	require.NoError(t, err)
	require.Len(t, chain, 2)
}

func TestSyncReplicatesTombstone(t *testing.T) {
	ctx := context.Background()
	logA, logB, svcA, _ := pairedServices(t)

	id, err := logA.Create(ctx, "to be removed")
	require.NoError(t, err)
	require.NoError(t, svcA.SyncWith(ctx, "b"))

	_, err = logA.Destroy(ctx, id)
	require.NoError(t, err)
	require.NoError(t, svcA.SyncWith(ctx, "b"))

	_, err = logB.Show(ctx, id)
	require.ErrorIs(t, err, eventlog.ErrNotFound)

	// The tombstone itself is retained and replicated.
	entry, err := logB.Entry(ctx, id)
	require.NoError(t, err)
	require.True(t, entry.Deleted())
	requireSameIndex(t, ctx, logA, logB)
}

func TestSyncResolvesForkLastWriterWins(t *testing.T) {
	ctx := context.Background()
	logA, logB, svcA, _ := pairedServices(t)

	id, err := logA.Create(ctx, "shared")
	require.NoError(t, err)
	require.NoError(t, svcA.SyncWith(ctx, "b"))

	_, err = logA.Update(ctx, id, "shared, edited offline on a")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = logB.Update(ctx, id, "shared, edited offline on b")
	require.NoError(t, err)

	require.NoError(t, svcA.SyncWith(ctx, "b"))

	entryA, err := logA.Show(ctx, id)
	require.NoError(t, err)
	entryB, err := logB.Show(ctx, id)
	require.NoError(t, err)
	require.Equal(t, entryA.LatestTxID, entryB.LatestTxID)
	require.Equal(t, "shared, edited offline on b", entryA.MaterializedView)
	require.Equal(t, entryA.MaterializedView, entryB.MaterializedView)
}

func TestSyncIsolatesUnreconcilableEntities(t *testing.T) {
	ctx := context.Background()
	logA, logB, svcA, _ := pairedServices(t)

	// The same entity id with two completely unrelated histories
	// cannot be merged automatically.
	entityID := "conflicted-entity"
	require.NoError(t, logA.AdoptChain(ctx, entityID, fabricatedChain(entityID)))
	require.NoError(t, logB.AdoptChain(ctx, entityID, fabricatedChain(entityID)))

	// A healthy entity rides along in the same round.
	healthy, err := logA.Create(ctx, "unaffected note")
	require.NoError(t, err)

	err = svcA.SyncWith(ctx, "b")
	require.Error(t, err)
	require.Contains(t, err.Error(), entityID)

	// The healthy entity replicated regardless.
	entry, err := logB.Show(ctx, healthy)
	require.NoError(t, err)
	require.Equal(t, "unaffected note", entry.MaterializedView)
}

// fabricatedChain builds a minimal valid chain with random transaction
// ids, so two calls yield histories with no common transaction.
func fabricatedChain(entityID string) []eventlog.Transaction {
	now := time.Now().UTC()
	root := eventlog.Transaction{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Type:      eventlog.TxCreate,
		StaticID:  entityID,
		Diff:      "",
		Timestamp: now,
	}
	tip := eventlog.Transaction{
		ID:        ulid.MustNew(ulid.Timestamp(now.Add(time.Millisecond)), rand.Reader).String(),
		Type:      eventlog.TxUpdate,
		StaticID:  entityID,
		Diff:      "",
		RevisesID: root.ID,
		Timestamp: now.Add(time.Millisecond),
	}
	return []eventlog.Transaction{root, tip}
}
