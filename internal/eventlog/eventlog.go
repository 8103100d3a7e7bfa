// Package eventlog implements the per-entity append-only transaction
// log and its materialized index. Every state change, including
// deletion, is a chain entry, so the full history of an entity can be
// replayed and replicated.
package eventlog

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/paperwork/paperd/internal/kv"
)

// ErrNotFound is returned when an entity or transaction id is unknown,
// or when the entity is tombstoned and the operation requires a live
// entity.
var ErrNotFound = errors.New("entity not found")

// TxType classifies a transaction.
type TxType string

const (
	TxCreate  TxType = "create"
	TxUpdate  TxType = "update"
	TxDestroy TxType = "destroy"
)

// Transaction is one immutable chain entry. StaticID is the permanent
// logical-entity id shared by the whole chain; RevisesID links to the
// parent transaction ("" for the root). The ULID transaction id embeds
// a millisecond timestamp, which is the ordering key chain merges use.
type Transaction struct {
	ID        string    `json:"id"`
	Type      TxType    `json:"type"`
	StaticID  string    `json:"staticId"`
	Diff      string    `json:"diff"`
	RevisesID string    `json:"revisesId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IndexEntry gives O(1) access to an entity's current state. A non-nil
// DeletedAt is a tombstone: the entry is retained so deletions
// replicate instead of disappearing silently.
type IndexEntry struct {
	EntityID         string     `json:"entityId"`
	LatestTxID       string     `json:"latestTxId"`
	MaterializedView string     `json:"materializedView,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	DeletedAt        *time.Time `json:"deletedAt,omitempty"`
}

// Deleted reports whether the entry is tombstoned.
func (e IndexEntry) Deleted() bool {
	return e.DeletedAt != nil
}

// Log owns the transaction store and the index store.
type Log struct {
	mu      sync.Mutex
	txs     kv.Store
	idx     kv.Store
	entropy *ulid.MonotonicEntropy
	logger  zerolog.Logger
}

// New creates a Log over the given transaction and index stores.
func New(txs, idx kv.Store, logger zerolog.Logger) *Log {
	return &Log{
		txs:     txs,
		idx:     idx,
		entropy: ulid.Monotonic(rand.Reader, 0),
		logger:  logger.With().Str("service", "eventlog").Logger(),
	}
}

// Ready blocks until both underlying stores are usable.
func (l *Log) Ready(ctx context.Context) error {
	if err := l.txs.Ready(ctx); err != nil {
		return fmt.Errorf("transaction store not ready: %w", err)
	}
	if err := l.idx.Ready(ctx); err != nil {
		return fmt.Errorf("index store not ready: %w", err)
	}
	return nil
}

// newTxID allocates a monotonic, timestamp-sortable transaction id.
// Callers must hold l.mu.
func (l *Log) newTxID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), l.entropy).String()
}

// Create allocates a fresh entity, writes its root transaction and
// initial index entry, and returns the entity id.
func (l *Log) Create(ctx context.Context, document string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entityID := uuid.NewString()
	now := time.Now().UTC()
	tx := Transaction{
		ID:        l.newTxID(now),
		Type:      TxCreate,
		StaticID:  entityID,
		Diff:      makeDiff("", document),
		Timestamp: now,
	}
	if err := l.putTx(ctx, tx); err != nil {
		return "", err
	}

	entry := IndexEntry{
		EntityID:         entityID,
		LatestTxID:       tx.ID,
		MaterializedView: document,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.putEntry(ctx, entry); err != nil {
		return "", err
	}

	l.logger.Debug().Str("entityId", entityID).Str("txId", tx.ID).Msg("entity created")
	return entityID, nil
}

// Update appends an update transaction revising the current tip and
// rewrites the index entry with the new materialized view.
func (l *Log) Update(ctx context.Context, entityID, document string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.getEntry(ctx, entityID)
	if err != nil {
		return "", err
	}
	if entry.Deleted() {
		return "", ErrNotFound
	}

	now := time.Now().UTC()
	tx := Transaction{
		ID:        l.newTxID(now),
		Type:      TxUpdate,
		StaticID:  entityID,
		Diff:      makeDiff(entry.MaterializedView, document),
		RevisesID: entry.LatestTxID,
		Timestamp: now,
	}
	if err := l.putTx(ctx, tx); err != nil {
		return "", err
	}

	view, err := applyDiff(entry.MaterializedView, tx.Diff)
	if err != nil {
		return "", fmt.Errorf("materialize %s: %w", entityID, err)
	}
	entry.LatestTxID = tx.ID
	entry.MaterializedView = view
	entry.UpdatedAt = now
	if err := l.putEntry(ctx, entry); err != nil {
		return "", err
	}

	l.logger.Debug().Str("entityId", entityID).Str("txId", tx.ID).Msg("entity updated")
	return entityID, nil
}

// Destroy appends a destroy transaction and tombstones the index
// entry. The materialized view is kept so the tombstone still carries
// the last known state.
func (l *Log) Destroy(ctx context.Context, entityID string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.getEntry(ctx, entityID)
	if err != nil {
		return "", err
	}
	if entry.Deleted() {
		return "", ErrNotFound
	}

	now := time.Now().UTC()
	tx := Transaction{
		ID:        l.newTxID(now),
		Type:      TxDestroy,
		StaticID:  entityID,
		RevisesID: entry.LatestTxID,
		Timestamp: now,
	}
	if err := l.putTx(ctx, tx); err != nil {
		return "", err
	}

	entry.LatestTxID = tx.ID
	entry.UpdatedAt = now
	entry.DeletedAt = &now
	if err := l.putEntry(ctx, entry); err != nil {
		return "", err
	}

	l.logger.Debug().Str("entityId", entityID).Str("txId", tx.ID).Msg("entity destroyed")
	return entityID, nil
}

// Show returns the index entry of a live entity. Tombstoned or unknown
// ids fail with ErrNotFound.
func (l *Log) Show(ctx context.Context, entityID string) (IndexEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.getEntry(ctx, entityID)
	if err != nil {
		return IndexEntry{}, err
	}
	if entry.Deleted() {
		return IndexEntry{}, ErrNotFound
	}
	return entry, nil
}

// Entry returns the index entry including tombstones. Replication uses
// this so deletions keep propagating.
func (l *Log) Entry(ctx context.Context, entityID string) (IndexEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getEntry(ctx, entityID)
}

// Index enumerates all known entity ids, tombstoned ones included.
func (l *Log) Index(ctx context.Context) ([]string, error) {
	return l.idx.Keys(ctx)
}

// Entries returns all index entries, tombstoned ones included.
func (l *Log) Entries(ctx context.Context) ([]IndexEntry, error) {
	ids, err := l.idx.Keys(ctx)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := make([]IndexEntry, 0, len(ids))
	for _, id := range ids {
		entry, err := l.getEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ShowTx returns one transaction by id.
func (l *Log) ShowTx(ctx context.Context, txID string) (Transaction, error) {
	data, err := l.txs.Get(ctx, txID)
	if errors.Is(err, kv.ErrNotFound) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, err
	}
	var tx Transaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return Transaction{}, fmt.Errorf("decode transaction %s: %w", txID, err)
	}
	return tx, nil
}

// IndexTx enumerates all known transaction ids.
func (l *Log) IndexTx(ctx context.Context) ([]string, error) {
	return l.txs.Keys(ctx)
}

// Chain returns an entity's transactions ordered root to tip.
func (l *Log) Chain(ctx context.Context, entityID string) ([]Transaction, error) {
	l.mu.Lock()
	entry, err := l.getEntry(ctx, entityID)
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var reversed []Transaction
	for txID := entry.LatestTxID; txID != ""; {
		tx, err := l.ShowTx(ctx, txID)
		if err != nil {
			return nil, fmt.Errorf("walk chain of %s: %w", entityID, err)
		}
		reversed = append(reversed, tx)
		txID = tx.RevisesID
	}

	chain := make([]Transaction, len(reversed))
	for i, tx := range reversed {
		chain[len(reversed)-1-i] = tx
	}
	return chain, nil
}

// AdoptChain stores a (possibly merged) chain received from
// replication and rewrites the entity's index entry from it. The chain
// must be a valid root-to-tip sequence for the given entity.
func (l *Log) AdoptChain(ctx context.Context, entityID string, chain []Transaction) error {
	if err := ValidateChain(entityID, chain); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	view, err := Materialize(chain)
	if err != nil {
		return fmt.Errorf("materialize adopted chain of %s: %w", entityID, err)
	}
	for _, tx := range chain {
		if err := l.putTx(ctx, tx); err != nil {
			return err
		}
	}

	root, tip := chain[0], chain[len(chain)-1]
	entry := IndexEntry{
		EntityID:         entityID,
		LatestTxID:       tip.ID,
		MaterializedView: view,
		CreatedAt:        root.Timestamp,
		UpdatedAt:        tip.Timestamp,
	}
	if tip.Type == TxDestroy {
		deletedAt := tip.Timestamp
		entry.DeletedAt = &deletedAt
	}
	if err := l.putEntry(ctx, entry); err != nil {
		return err
	}

	l.logger.Debug().
		Str("entityId", entityID).
		Str("latestTxId", tip.ID).
		Int("chainLength", len(chain)).
		Msg("chain adopted")
	return nil
}

// ValidateChain checks that a chain is a non-empty, correctly linked
// root-to-tip sequence belonging to the given entity.
func ValidateChain(entityID string, chain []Transaction) error {
	if len(chain) == 0 {
		return errors.New("empty chain")
	}
	if chain[0].RevisesID != "" {
		return fmt.Errorf("chain root %s revises %s", chain[0].ID, chain[0].RevisesID)
	}
	for i, tx := range chain {
		if tx.StaticID != entityID {
			return fmt.Errorf("transaction %s belongs to %s, not %s", tx.ID, tx.StaticID, entityID)
		}
		if i > 0 && tx.RevisesID != chain[i-1].ID {
			return fmt.Errorf("broken chain link at %s: revises %s, expected %s",
				tx.ID, tx.RevisesID, chain[i-1].ID)
		}
	}
	return nil
}

// Materialize replays a chain's diffs from the empty document and
// returns the resulting view.
func Materialize(chain []Transaction) (string, error) {
	view := ""
	for _, tx := range chain {
		next, err := applyDiff(view, tx.Diff)
		if err != nil {
			return "", fmt.Errorf("apply transaction %s: %w", tx.ID, err)
		}
		view = next
	}
	return view, nil
}

func (l *Log) getEntry(ctx context.Context, entityID string) (IndexEntry, error) {
	data, err := l.idx.Get(ctx, entityID)
	if errors.Is(err, kv.ErrNotFound) {
		return IndexEntry{}, ErrNotFound
	}
	if err != nil {
		return IndexEntry{}, err
	}
	var entry IndexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return IndexEntry{}, fmt.Errorf("decode index entry %s: %w", entityID, err)
	}
	return entry, nil
}

func (l *Log) putEntry(ctx context.Context, entry IndexEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode index entry %s: %w", entry.EntityID, err)
	}
	return l.idx.Set(ctx, entry.EntityID, data)
}

func (l *Log) putTx(ctx context.Context, tx Transaction) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", tx.ID, err)
	}
	return l.txs.Set(ctx, tx.ID, data)
}
