// Package transport defines the point-to-point transport contract the
// peering manager is written against. Session lifecycle is surfaced as
// an events channel per session instead of ad hoc callbacks, so
// message ordering and error handling stay auditable.
package transport

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by Send after a session has closed.
var ErrSessionClosed = errors.New("session closed")

// ErrPeerUnreachable is returned by Connect when the remote peer
// cannot be reached through the transport.
var ErrPeerUnreachable = errors.New("peer unreachable")

// EventType classifies a session event.
type EventType int

const (
	// EventData carries one inbound message.
	EventData EventType = iota
	// EventClose signals an orderly session close.
	EventClose
	// EventError signals a transport failure; the session is dead.
	EventError
)

// Event is one session lifecycle or data event, delivered in arrival
// order on the session's Events channel.
type Event struct {
	Type EventType
	Data []byte
	Err  error
}

// Session is one live point-to-point link to a remote peer. Connect
// and the incoming channel only ever hand out open sessions.
type Session interface {
	// PeerID is the remote peer's id.
	PeerID() string
	// Send delivers one message to the remote peer.
	Send(ctx context.Context, data []byte) error
	// Events yields data/close/error events in arrival order. The
	// channel is closed once no further events can occur.
	Events() <-chan Event
	// Close tears the session down. Idempotent.
	Close() error
}

// Transport connects to peers by id and accepts inbound sessions.
type Transport interface {
	// SelfID is this device's peer id as known to the rendezvous.
	SelfID() string
	// Connect opens a reliable session to the given peer. It blocks
	// until the session is open or the context is done.
	Connect(ctx context.Context, peerID string) (Session, error)
	// Incoming yields inbound sessions, already open.
	Incoming() <-chan Session
	// Close shuts the transport down and closes all sessions.
	Close() error
}
