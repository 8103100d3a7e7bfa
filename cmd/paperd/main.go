package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/paperwork/paperd/internal/api"
	"github.com/paperwork/paperd/internal/config"
	"github.com/paperwork/paperd/internal/eventlog"
	"github.com/paperwork/paperd/internal/kv"
	"github.com/paperwork/paperd/internal/notes"
	"github.com/paperwork/paperd/internal/peering"
	"github.com/paperwork/paperd/internal/syncer"
	"github.com/paperwork/paperd/internal/transport/ws"
)

const (
	settingPeerID          = "peerId"
	settingAuthorizedPeers = "authorizedPeers"

	dialAttempts = 5
	dialDelay    = 2 * time.Second
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	txs, idx, settings, err := openStores(cfg)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer txs.Close()

	ctx := context.Background()

	peerID, err := loadPeerID(ctx, settings, cfg.PeerID)
	if err != nil {
		log.Fatalf("load peer id: %v", err)
	}

	eventLog := eventlog.New(txs, idx, logger)
	if err := eventLog.Ready(ctx); err != nil {
		log.Fatalf("stores not ready: %v", err)
	}

	transport, err := dialRendezvous(ctx, cfg.RendezvousURL, peerID, logger)
	if err != nil {
		log.Fatalf("dial rendezvous: %v", err)
	}

	authorized, err := loadAuthorizedPeers(ctx, settings)
	if err != nil {
		log.Fatalf("load authorized peers: %v", err)
	}

	manager := peering.NewManager(peering.Config{
		Transport:        transport,
		Logger:           logger,
		AuthorizedPeers:  authorized,
		HandshakeTimeout: cfg.HandshakeTimeout,
	})
	syncSvc := syncer.New(eventLog, manager, nil, logger)
	manager.SetSyncHandler(syncSvc)
	manager.Start()

	noteSvc := notes.New(eventLog, logger)
	apiServer := api.NewServer(manager, noteSvc, syncSvc, logger)
	httpServer := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.SyncOnStart {
		go func() {
			if err := manager.SyncAuthorizedPeersAndConnections(ctx, false, true); err != nil {
				logger.Warn().Err(err).Msg("not all paired peers reachable at startup")
			}
			if err := syncSvc.SyncAll(ctx); err != nil {
				logger.Warn().Err(err).Msg("startup sync incomplete")
			}
		}()
	}

	// Periodic reconcile and replication round. The allow-list is also
	// checkpointed here so pairings survive restarts.
	stopLoop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := manager.SyncAuthorizedPeersAndConnections(ctx, true, true); err != nil {
					logger.Debug().Err(err).Msg("connection reconcile incomplete")
				}
				if err := syncSvc.SyncAll(ctx); err != nil {
					logger.Warn().Err(err).Msg("periodic sync incomplete")
				}
				if err := saveAuthorizedPeers(ctx, settings, manager.AuthorizedPeers()); err != nil {
					logger.Error().Err(err).Msg("failed to checkpoint authorized peers")
				}
			case <-stopLoop:
				return
			}
		}
	}()

	go func() {
		logger.Info().
			Str("addr", cfg.APIAddr).
			Str("peerId", peerID).
			Str("rendezvous", cfg.RendezvousURL).
			Msg("paperd started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	close(stopLoop)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := saveAuthorizedPeers(shutdownCtx, settings, manager.AuthorizedPeers()); err != nil {
		logger.Error().Err(err).Msg("failed to persist authorized peers")
	}
	_ = manager.Close()
}

// openStores opens the transaction, index and settings stores on the
// configured backend. All three share one database file.
func openStores(cfg *config.Config) (kv.Store, kv.Store, kv.Store, error) {
	switch cfg.KVBackend {
	case "bolt":
		txs, err := kv.OpenBolt(filepath.Join(cfg.DataDir, "paperd.db"), "transactions")
		if err != nil {
			return nil, nil, nil, err
		}
		idx, err := txs.NewBoltBucket("index")
		if err != nil {
			return nil, nil, nil, err
		}
		settings, err := txs.NewBoltBucket("settings")
		if err != nil {
			return nil, nil, nil, err
		}
		return txs, idx, settings, nil
	case "sqlite":
		txs, err := kv.OpenSQLite(filepath.Join(cfg.DataDir, "paperd.sqlite"), "transactions")
		if err != nil {
			return nil, nil, nil, err
		}
		return txs, txs.NewSQLiteNamespace("index"), txs.NewSQLiteNamespace("settings"), nil
	default:
		return kv.NewMemory(), kv.NewMemory(), kv.NewMemory(), nil
	}
}

// loadPeerID resolves this device's stable peer id: the configured one
// if set, otherwise the persisted one, otherwise a fresh id that is
// persisted for future runs.
func loadPeerID(ctx context.Context, settings kv.Store, configured string) (string, error) {
	if configured != "" {
		return configured, persistSetting(ctx, settings, settingPeerID, []byte(configured))
	}
	stored, err := settings.Get(ctx, settingPeerID)
	if err == nil {
		return string(stored), nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return "", err
	}
	peerID := uuid.NewString()
	return peerID, persistSetting(ctx, settings, settingPeerID, []byte(peerID))
}

func loadAuthorizedPeers(ctx context.Context, settings kv.Store) (map[string]peering.AuthorizedPeer, error) {
	data, err := settings.Get(ctx, settingAuthorizedPeers)
	if errors.Is(err, kv.ErrNotFound) {
		return map[string]peering.AuthorizedPeer{}, nil
	}
	if err != nil {
		return nil, err
	}
	var peers map[string]peering.AuthorizedPeer
	if err := json.Unmarshal(data, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func saveAuthorizedPeers(ctx context.Context, settings kv.Store, peers map[string]peering.AuthorizedPeer) error {
	data, err := json.Marshal(peers)
	if err != nil {
		return err
	}
	return persistSetting(ctx, settings, settingAuthorizedPeers, data)
}

func persistSetting(ctx context.Context, settings kv.Store, key string, value []byte) error {
	return settings.Set(ctx, key, value)
}

// dialRendezvous retries the initial relay dial; once connected the
// transport redials drops on its own.
func dialRendezvous(ctx context.Context, url, peerID string, logger zerolog.Logger) (*ws.Transport, error) {
	var lastErr error
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		transport, err := ws.Dial(dialCtx, url, peerID, logger)
		cancel()
		if err == nil {
			return transport, nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Msg("rendezvous dial failed")
		time.Sleep(dialDelay)
	}
	return nil, lastErr
}
