// Package pairing turns a shared pairing code into the mutual secrets
// of an authorized-peer record. Both devices run the same derivation
// over the same code, so the record one device stores is the exact
// mirror of the other's and the handshake closes without the secrets
// ever traveling over the wire.
package pairing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/paperwork/paperd/internal/peering"
)

const keyLength = 32

var salt = []byte("paperd/pairing/v1")

// DeriveRecord derives the authorized-peer record selfID stores for
// peerID from a shared pairing code. Run on the other device with the
// ids swapped, it yields the mirrored record: this LocalKey equals the
// peer's RemoteKey and vice versa.
func DeriveRecord(code, selfID, peerID string) (peering.AuthorizedPeer, error) {
	if code == "" {
		return peering.AuthorizedPeer{}, errors.New("pairing code is empty")
	}
	if selfID == "" || peerID == "" || selfID == peerID {
		return peering.AuthorizedPeer{}, fmt.Errorf("invalid peer ids %q and %q", selfID, peerID)
	}

	// LocalKey is what the peer presents to this device; RemoteKey is
	// what this device presents to the peer.
	localKey, err := deriveKey(code, peerID, selfID)
	if err != nil {
		return peering.AuthorizedPeer{}, err
	}
	remoteKey, err := deriveKey(code, selfID, peerID)
	if err != nil {
		return peering.AuthorizedPeer{}, err
	}

	return peering.AuthorizedPeer{
		PeerID:    peerID,
		LocalKey:  localKey,
		RemoteKey: remoteKey,
		Timestamp: time.Now().UTC(),
	}, nil
}

// deriveKey derives the key the device `from` presents to the device
// `to`.
func deriveKey(code, from, to string) (string, error) {
	info := []byte("presenter:" + from + "|verifier:" + to)
	reader := hkdf.New(sha256.New, []byte(code), salt, info)
	key := make([]byte, keyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return "", fmt.Errorf("derive pairing key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
