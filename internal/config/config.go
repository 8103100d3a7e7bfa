package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the device daemon configuration.
type Config struct {
	PeerID           string
	DataDir          string
	KVBackend        string
	APIAddr          string
	RendezvousURL    string
	PairingCode      string
	HandshakeTimeout time.Duration
	SyncInterval     time.Duration
	SyncOnStart      bool
}

// RelayConfig holds the rendezvous relay configuration.
type RelayConfig struct {
	Addr string
}

// Load reads the daemon configuration from environment.
func Load() (*Config, error) {
	backend := getenv("PAPERD_KV_BACKEND", "bolt")
	switch backend {
	case "bolt", "sqlite", "memory":
	default:
		return nil, fmt.Errorf("unsupported PAPERD_KV_BACKEND %q", backend)
	}

	return &Config{
		PeerID:           os.Getenv("PAPERD_PEER_ID"),
		DataDir:          getenv("PAPERD_DATA_DIR", "paperd-data"),
		KVBackend:        backend,
		APIAddr:          getenv("PAPERD_API_ADDR", "127.0.0.1:8099"),
		RendezvousURL:    getenv("PAPERD_RENDEZVOUS_URL", "ws://localhost:8080/v1/ws"),
		PairingCode:      os.Getenv("PAPERD_PAIRING_CODE"),
		HandshakeTimeout: parseDuration(getenv("PAPERD_HANDSHAKE_TIMEOUT", "10s"), 10*time.Second),
		SyncInterval:     parseDuration(getenv("PAPERD_SYNC_INTERVAL", "30s"), 30*time.Second),
		SyncOnStart:      parseBool(getenv("PAPERD_SYNC_ON_START", "true"), true),
	}, nil
}

// LoadRelay reads the relay configuration from environment.
func LoadRelay() (*RelayConfig, error) {
	return &RelayConfig{
		Addr: getenv("PAPERD_RENDEZVOUS_ADDR", "0.0.0.0:8080"),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}
