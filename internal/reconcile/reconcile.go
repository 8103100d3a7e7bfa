// Package reconcile computes what two peers must exchange to converge
// and merges divergent transaction chains. It is stateless: every
// function transforms the values passed to it.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/paperwork/paperd/internal/eventlog"
)

// ErrUnrelatedChains is returned when two chains share no transaction
// at all and cannot be reconciled automatically.
var ErrUnrelatedChains = errors.New("chains share no common ancestor")

// Comparison partitions two id listings into three disjoint sets.
type Comparison struct {
	InRemoteNotInLocal []string `json:"inRemoteNotInLocal"`
	InLocalNotInRemote []string `json:"inLocalNotInRemote"`
	InBoth             []string `json:"inBoth"`
}

// Action is what one side derives from a comparison: ids to pull,
// full entries to push, and metadata-only entries to compare for
// staleness before any payload moves.
type Action struct {
	Need  []string              `json:"need"`
	Have  []eventlog.IndexEntry `json:"have"`
	Check []eventlog.IndexEntry `json:"check"`
}

// GetComparison computes the set differences between local and remote
// entity id listings.
func GetComparison(localIDs, remoteIDs []string) Comparison {
	local := toSet(localIDs)
	remote := toSet(remoteIDs)

	cmp := Comparison{
		InRemoteNotInLocal: []string{},
		InLocalNotInRemote: []string{},
		InBoth:             []string{},
	}
	for _, id := range remoteIDs {
		if _, ok := local[id]; !ok {
			cmp.InRemoteNotInLocal = append(cmp.InRemoteNotInLocal, id)
		}
	}
	for _, id := range localIDs {
		if _, ok := remote[id]; ok {
			cmp.InBoth = append(cmp.InBoth, id)
		} else {
			cmp.InLocalNotInRemote = append(cmp.InLocalNotInRemote, id)
		}
	}
	return cmp
}

// GetActionFromComparison resolves a comparison against the local
// index. Check entries are stripped of their materialized view: only
// metadata is needed to decide staleness.
func GetActionFromComparison(cmp Comparison, localEntries []eventlog.IndexEntry) (Action, error) {
	byID := make(map[string]eventlog.IndexEntry, len(localEntries))
	for _, entry := range localEntries {
		byID[entry.EntityID] = entry
	}

	action := Action{
		Need:  cmp.InRemoteNotInLocal,
		Have:  []eventlog.IndexEntry{},
		Check: []eventlog.IndexEntry{},
	}
	for _, id := range cmp.InLocalNotInRemote {
		entry, ok := byID[id]
		if !ok {
			return Action{}, fmt.Errorf("entry %s not found in local entries", id)
		}
		action.Have = append(action.Have, entry)
	}
	for _, id := range cmp.InBoth {
		entry, ok := byID[id]
		if !ok {
			return Action{}, fmt.Errorf("entry %s not found in local entries", id)
		}
		entry.MaterializedView = ""
		action.Check = append(action.Check, entry)
	}
	return action, nil
}

// GetOutOfSyncEntries returns the ids from checkEntries that are
// missing locally or whose latest transaction differs from the local
// one. Those entities must be re-pulled.
func GetOutOfSyncEntries(checkEntries, localEntries []eventlog.IndexEntry) []string {
	byID := make(map[string]eventlog.IndexEntry, len(localEntries))
	for _, entry := range localEntries {
		byID[entry.EntityID] = entry
	}

	var stale []string
	for _, check := range checkEntries {
		local, ok := byID[check.EntityID]
		if !ok || local.LatestTxID != check.LatestTxID {
			stale = append(stale, check.EntityID)
		}
	}
	return stale
}

// Merger reconciles a true fork: both chains extend the same common
// ancestor with divergent suffixes. newerIdx/olderIdx are the indexes
// of the first divergent transaction on each chain. The policy is
// deliberately pluggable; LastWriterWins is the default.
type Merger func(newer []eventlog.Transaction, newerIdx int, older []eventlog.Transaction, olderIdx int) ([]eventlog.Transaction, error)

// LastWriterWins resolves a fork by keeping the chain with the newer
// tip and dropping the older divergent suffix.
func LastWriterWins(newer []eventlog.Transaction, _ int, _ []eventlog.Transaction, _ int) ([]eventlog.Transaction, error) {
	return newer, nil
}

// MergeTxChains reconciles two root-to-tip chains of the same entity.
// Ordering between the chains is decided by comparing tip transaction
// ids, whose ULID encoding embeds a millisecond timestamp.
func MergeTxChains(local, remote []eventlog.Transaction, merge Merger) ([]eventlog.Transaction, error) {
	// Adoption, not merge.
	if len(local) == 0 {
		return remote, nil
	}
	if len(remote) == 0 {
		return local, nil
	}

	localTip := local[len(local)-1]
	remoteTip := remote[len(remote)-1]
	if localTip.ID == remoteTip.ID {
		if len(local) == len(remote) {
			return local, nil
		}
		// Equal tips with unequal lengths should not occur under
		// correct replication. Keep the longer chain.
		if len(local) > len(remote) {
			return local, nil
		}
		return remote, nil
	}

	newer, older := local, remote
	if remoteTip.ID > localTip.ID {
		newer, older = remote, local
	}

	newerIndex := make(map[string]int, len(newer))
	for i, tx := range newer {
		newerIndex[tx.ID] = i
	}

	// Scan the older chain tip-to-root for the latest common ancestor.
	olderAncestor := -1
	newerAncestor := -1
	for i := len(older) - 1; i >= 0; i-- {
		if j, ok := newerIndex[older[i].ID]; ok {
			olderAncestor = i
			newerAncestor = j
			break
		}
	}
	if olderAncestor < 0 {
		return nil, ErrUnrelatedChains
	}

	// Linear histories: the older chain is a strict prefix.
	if olderAncestor == len(older)-1 {
		return newer, nil
	}

	return merge(newer, newerAncestor+1, older, olderAncestor+1)
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
