// Package syncer drives replication rounds between this device's event
// log and its peers. A round is announce -> offer -> entries: the
// initiator announces its index, the responder offers what the
// initiator lacks and requests what it lacks itself, and the final
// entries message closes the gap. Chain merging is delegated to the
// reconcile package.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/paperwork/paperd/internal/eventlog"
	"github.com/paperwork/paperd/internal/protocol"
	"github.com/paperwork/paperd/internal/reconcile"
)

// Payload kinds.
const (
	KindAnnounce = "announce"
	KindOffer    = "offer"
	KindEntries  = "entries"
)

// Payload is the body of a sync command. Which fields are set depends
// on Kind: announce carries Entries (views stripped), offer carries
// Need and Records, entries carries Records only.
type Payload struct {
	Kind    string                `json:"kind"`
	Entries []eventlog.IndexEntry `json:"entries,omitempty"`
	Need    []string              `json:"need,omitempty"`
	Records []EntityRecord        `json:"records,omitempty"`
}

// EntityRecord is one entity's full replication unit. The index entry
// is rebuilt from the chain on adoption, so the chain is all that
// travels.
type EntityRecord struct {
	EntityID string                 `json:"entityId"`
	Chain    []eventlog.Transaction `json:"chain"`
}

// Sender delivers sync messages to peers. The peering manager
// implements it.
type Sender interface {
	Send(ctx context.Context, peerID string, msg protocol.Message) error
	SendAll(ctx context.Context, msg protocol.Message) error
}

// Service replicates one event log across authenticated peers.
type Service struct {
	log    *eventlog.Log
	sender Sender
	merger reconcile.Merger
	logger zerolog.Logger
}

// New creates a sync service. A nil merger defaults to last writer
// wins.
func New(log *eventlog.Log, sender Sender, merger reconcile.Merger, logger zerolog.Logger) *Service {
	if merger == nil {
		merger = reconcile.LastWriterWins
	}
	return &Service{
		log:    log,
		sender: sender,
		merger: merger,
		logger: logger.With().Str("service", "syncer").Logger(),
	}
}

// SyncWith starts a replication round with one peer.
func (s *Service) SyncWith(ctx context.Context, peerID string) error {
	msg, err := s.announceMessage(ctx)
	if err != nil {
		return err
	}
	if err := s.sender.Send(ctx, peerID, msg); err != nil {
		return fmt.Errorf("announce to %s: %w", peerID, err)
	}
	s.logger.Debug().Str("peerId", peerID).Msg("announced index")
	return nil
}

// SyncAll starts a replication round with every connected peer.
func (s *Service) SyncAll(ctx context.Context) error {
	msg, err := s.announceMessage(ctx)
	if err != nil {
		return err
	}
	if err := s.sender.SendAll(ctx, msg); err != nil {
		return fmt.Errorf("announce to all peers: %w", err)
	}
	s.logger.Debug().Msg("announced index to all peers")
	return nil
}

// HandleSync consumes one inbound sync payload from an authenticated
// peer.
func (s *Service) HandleSync(ctx context.Context, peerID string, raw json.RawMessage) error {
	payload, err := protocol.DecodePayload[Payload](raw)
	if err != nil {
		return fmt.Errorf("decode sync payload from %s: %w", peerID, err)
	}

	switch payload.Kind {
	case KindAnnounce:
		return s.handleAnnounce(ctx, peerID, payload)
	case KindOffer:
		return s.handleOffer(ctx, peerID, payload)
	case KindEntries:
		return s.applyRecords(ctx, peerID, payload.Records)
	default:
		return fmt.Errorf("unknown sync payload kind %q from %s", payload.Kind, peerID)
	}
}

// handleAnnounce compares the remote index against the local one and
// replies with an offer: the chains the remote lacks plus the ids this
// device wants in return. No reply is sent when both sides are already
// level.
func (s *Service) handleAnnounce(ctx context.Context, peerID string, payload Payload) error {
	localEntries, err := s.log.Entries(ctx)
	if err != nil {
		return fmt.Errorf("list local entries: %w", err)
	}

	localIDs := make([]string, 0, len(localEntries))
	for _, entry := range localEntries {
		localIDs = append(localIDs, entry.EntityID)
	}
	remoteIDs := make([]string, 0, len(payload.Entries))
	remoteByID := make(map[string]eventlog.IndexEntry, len(payload.Entries))
	for _, entry := range payload.Entries {
		remoteIDs = append(remoteIDs, entry.EntityID)
		remoteByID[entry.EntityID] = entry
	}

	cmp := reconcile.GetComparison(localIDs, remoteIDs)
	action, err := reconcile.GetActionFromComparison(cmp, localEntries)
	if err != nil {
		return fmt.Errorf("resolve comparison with %s: %w", peerID, err)
	}

	// Shared entities whose tips differ need chains exchanged in both
	// directions.
	shared := make([]eventlog.IndexEntry, 0, len(cmp.InBoth))
	for _, id := range cmp.InBoth {
		shared = append(shared, remoteByID[id])
	}
	stale := reconcile.GetOutOfSyncEntries(shared, localEntries)

	need := append(append([]string{}, action.Need...), stale...)

	pushIDs := make([]string, 0, len(action.Have)+len(stale))
	for _, entry := range action.Have {
		pushIDs = append(pushIDs, entry.EntityID)
	}
	pushIDs = append(pushIDs, stale...)
	records, err := s.buildRecords(ctx, pushIDs)
	if err != nil {
		return err
	}

	if len(need) == 0 && len(records) == 0 {
		s.logger.Debug().Str("peerId", peerID).Msg("in sync, nothing to exchange")
		return nil
	}

	s.logger.Debug().
		Str("peerId", peerID).
		Int("need", len(need)).
		Int("offered", len(records)).
		Msg("replying with offer")
	return s.reply(ctx, peerID, Payload{Kind: KindOffer, Need: need, Records: records})
}

// handleOffer adopts the offered chains and answers the remote's wants.
// Adoption failures do not block the reply: each entity is reconciled
// independently.
func (s *Service) handleOffer(ctx context.Context, peerID string, payload Payload) error {
	applyErr := s.applyRecords(ctx, peerID, payload.Records)

	records, err := s.buildRecords(ctx, payload.Need)
	if err != nil {
		return multierr.Append(applyErr, err)
	}
	if len(records) == 0 {
		return applyErr
	}
	s.logger.Debug().
		Str("peerId", peerID).
		Int("sent", len(records)).
		Msg("replying with entries")
	return multierr.Append(applyErr, s.reply(ctx, peerID, Payload{Kind: KindEntries, Records: records}))
}

// applyRecords merges each received chain into the local log. A chain
// that cannot be reconciled, unrelated histories for instance, is
// reported but never stops the remaining records from applying.
func (s *Service) applyRecords(ctx context.Context, peerID string, records []EntityRecord) error {
	var errs error
	for _, record := range records {
		if err := s.applyRecord(ctx, record); err != nil {
			s.logger.Error().
				Err(err).
				Str("peerId", peerID).
				Str("entityId", record.EntityID).
				Msg("failed to apply replicated chain")
			errs = multierr.Append(errs, fmt.Errorf("entity %s: %w", record.EntityID, err))
		}
	}
	return errs
}

func (s *Service) applyRecord(ctx context.Context, record EntityRecord) error {
	var local []eventlog.Transaction
	_, err := s.log.Entry(ctx, record.EntityID)
	switch {
	case errors.Is(err, eventlog.ErrNotFound):
		// First sight of this entity; the remote chain is adopted as is.
	case err != nil:
		return err
	default:
		local, err = s.log.Chain(ctx, record.EntityID)
		if err != nil {
			return err
		}
	}

	merged, err := reconcile.MergeTxChains(local, record.Chain, s.merger)
	if err != nil {
		return err
	}
	if len(local) == len(merged) && len(local) > 0 && local[len(local)-1].ID == merged[len(merged)-1].ID {
		return nil
	}
	return s.log.AdoptChain(ctx, record.EntityID, merged)
}

// buildRecords loads full chains for the given ids. Ids this device no
// longer knows are skipped; the remote will pick them up from another
// peer or a later round.
func (s *Service) buildRecords(ctx context.Context, ids []string) ([]EntityRecord, error) {
	records := make([]EntityRecord, 0, len(ids))
	for _, id := range ids {
		chain, err := s.log.Chain(ctx, id)
		if errors.Is(err, eventlog.ErrNotFound) {
			s.logger.Debug().Str("entityId", id).Msg("requested entity unknown, skipping")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load chain of %s: %w", id, err)
		}
		records = append(records, EntityRecord{EntityID: id, Chain: chain})
	}
	return records, nil
}

// announceMessage snapshots the local index with materialized views
// stripped: only ids and tips are needed for comparison.
func (s *Service) announceMessage(ctx context.Context) (protocol.Message, error) {
	entries, err := s.log.Entries(ctx)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("list local entries: %w", err)
	}
	for i := range entries {
		entries[i].MaterializedView = ""
	}
	return protocol.New(protocol.CommandSync, protocol.CodeOK, Payload{
		Kind:    KindAnnounce,
		Entries: entries,
	})
}

func (s *Service) reply(ctx context.Context, peerID string, payload Payload) error {
	msg, err := protocol.New(protocol.CommandSync, protocol.CodeOK, payload)
	if err != nil {
		return err
	}
	if err := s.sender.Send(ctx, peerID, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", payload.Kind, peerID, err)
	}
	return nil
}
