package reconcile

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"

	"github.com/paperwork/paperd/internal/eventlog"
)

func TestGetComparison(t *testing.T) {
	cmp := GetComparison([]string{"1", "2", "3"}, []string{"2", "3", "4"})
	require.Equal(t, []string{"4"}, cmp.InRemoteNotInLocal)
	require.Equal(t, []string{"1"}, cmp.InLocalNotInRemote)
	require.Equal(t, []string{"2", "3"}, cmp.InBoth)
}

func TestGetComparisonEmptySides(t *testing.T) {
	cmp := GetComparison(nil, []string{"a"})
	require.Equal(t, []string{"a"}, cmp.InRemoteNotInLocal)
	require.Empty(t, cmp.InLocalNotInRemote)
	require.Empty(t, cmp.InBoth)

	cmp = GetComparison([]string{"a"}, nil)
	require.Empty(t, cmp.InRemoteNotInLocal)
	require.Equal(t, []string{"a"}, cmp.InLocalNotInRemote)
	require.Empty(t, cmp.InBoth)
}

func TestGetActionFromComparison(t *testing.T) {
	deleted := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	localEntries := []eventlog.IndexEntry{
		{EntityID: "1", LatestTxID: "tx-1", MaterializedView: "doc-1"},
		{EntityID: "2", LatestTxID: "tx-2", MaterializedView: "doc-2"},
		{EntityID: "3", LatestTxID: "tx-3", MaterializedView: "doc-3", DeletedAt: &deleted},
	}
	cmp := GetComparison([]string{"1", "2", "3"}, []string{"2", "3", "4"})

	action, err := GetActionFromComparison(cmp, localEntries)
	require.NoError(t, err)

	require.Equal(t, []string{"4"}, action.Need)
	require.Len(t, action.Have, 1)
	require.Equal(t, "1", action.Have[0].EntityID)
	require.Equal(t, "doc-1", action.Have[0].MaterializedView)

	// Check entries carry metadata only; tombstoned entries are still
	// present so deletions replicate.
	require.Len(t, action.Check, 2)
	for _, entry := range action.Check {
		require.Empty(t, entry.MaterializedView)
	}
	require.Equal(t, "3", action.Check[1].EntityID)
	require.NotNil(t, action.Check[1].DeletedAt)
}

func TestGetActionFromComparisonMissingEntry(t *testing.T) {
	cmp := Comparison{InLocalNotInRemote: []string{"ghost"}}
	_, err := GetActionFromComparison(cmp, nil)
	require.Error(t, err)
}

func TestGetOutOfSyncEntries(t *testing.T) {
	local := []eventlog.IndexEntry{
		{EntityID: "1", LatestTxID: "tx-1"},
		{EntityID: "2", LatestTxID: "tx-2"},
	}
	check := []eventlog.IndexEntry{
		{EntityID: "1", LatestTxID: "tx-1"},       // in sync
		{EntityID: "2", LatestTxID: "tx-2-newer"}, // diverged
		{EntityID: "5", LatestTxID: "tx-5"},       // missing locally
	}
	require.Equal(t, []string{"2", "5"}, GetOutOfSyncEntries(check, local))
}

func txAt(t *testing.T, at time.Time, entityID, revisesID string) eventlog.Transaction {
	t.Helper()
	return eventlog.Transaction{
		ID:        ulid.MustNew(ulid.Timestamp(at), rand.Reader).String(),
		Type:      eventlog.TxUpdate,
		StaticID:  entityID,
		RevisesID: revisesID,
		Timestamp: at,
	}
}

func linearChain(t *testing.T, entityID string, n int) []eventlog.Transaction {
	t.Helper()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	chain := make([]eventlog.Transaction, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		tx := txAt(t, base.Add(time.Duration(i)*time.Second), entityID, prev)
		if i == 0 {
			tx.Type = eventlog.TxCreate
		}
		chain = append(chain, tx)
		prev = tx.ID
	}
	return chain
}

func failingMerger(t *testing.T) Merger {
	t.Helper()
	return func([]eventlog.Transaction, int, []eventlog.Transaction, int) ([]eventlog.Transaction, error) {
		t.Fatal("merger must not be invoked")
		return nil, nil
	}
}

func TestMergeTxChainsAdoption(t *testing.T) {
	chain := linearChain(t, "e", 3)

	merged, err := MergeTxChains(chain, nil, failingMerger(t))
	require.NoError(t, err)
	require.Equal(t, chain, merged)

	merged, err = MergeTxChains(nil, chain, failingMerger(t))
	require.NoError(t, err)
	require.Equal(t, chain, merged)
}

func TestMergeTxChainsIdentical(t *testing.T) {
	chain := linearChain(t, "e", 3)
	merged, err := MergeTxChains(chain, chain, failingMerger(t))
	require.NoError(t, err)
	require.Equal(t, chain, merged)
}

func TestMergeTxChainsLinearExtension(t *testing.T) {
	longer := linearChain(t, "e", 3)
	prefix := longer[:2]

	merged, err := MergeTxChains(prefix, longer, failingMerger(t))
	require.NoError(t, err)
	require.Equal(t, longer, merged)

	// Symmetric: the longer chain may be on either side.
	merged, err = MergeTxChains(longer, prefix, failingMerger(t))
	require.NoError(t, err)
	require.Equal(t, longer, merged)
}

func TestMergeTxChainsEqualTipsUnequalLengths(t *testing.T) {
	longer := linearChain(t, "e", 3)
	// Defensive case: same tip, shorter history on one side.
	truncated := []eventlog.Transaction{longer[0], longer[2]}

	merged, err := MergeTxChains(truncated, longer, failingMerger(t))
	require.NoError(t, err)
	require.Equal(t, longer, merged)
}

func TestMergeTxChainsFork(t *testing.T) {
	trunk := linearChain(t, "e", 2)
	base := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)

	tipA := txAt(t, base.Add(1*time.Second), "e", trunk[1].ID)
	tipB := txAt(t, base.Add(2*time.Second), "e", trunk[1].ID)
	chainA := append(append([]eventlog.Transaction{}, trunk...), tipA)
	chainB := append(append([]eventlog.Transaction{}, trunk...), tipB)

	var gotNewerIdx, gotOlderIdx int
	sentinel := linearChain(t, "e", 1)
	merger := func(newer []eventlog.Transaction, newerIdx int, older []eventlog.Transaction, olderIdx int) ([]eventlog.Transaction, error) {
		gotNewerIdx, gotOlderIdx = newerIdx, olderIdx
		require.Equal(t, tipB.ID, newer[len(newer)-1].ID)
		require.Equal(t, tipA.ID, older[len(older)-1].ID)
		return sentinel, nil
	}

	merged, err := MergeTxChains(chainA, chainB, merger)
	require.NoError(t, err)
	require.Equal(t, sentinel, merged)
	require.Equal(t, 2, gotNewerIdx)
	require.Equal(t, 2, gotOlderIdx)
}

func TestMergeTxChainsLastWriterWins(t *testing.T) {
	trunk := linearChain(t, "e", 2)
	base := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)

	older := append(append([]eventlog.Transaction{}, trunk...), txAt(t, base.Add(1*time.Second), "e", trunk[1].ID))
	newer := append(append([]eventlog.Transaction{}, trunk...), txAt(t, base.Add(2*time.Second), "e", trunk[1].ID))

	merged, err := MergeTxChains(older, newer, LastWriterWins)
	require.NoError(t, err)
	require.Equal(t, newer, merged)
}

func TestMergeTxChainsUnrelated(t *testing.T) {
	a := linearChain(t, "e", 2)
	b := linearChain(t, "e", 2)

	_, err := MergeTxChains(a, b, failingMerger(t))
	require.ErrorIs(t, err, ErrUnrelatedChains)
}
