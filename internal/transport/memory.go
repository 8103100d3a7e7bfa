package transport

import (
	"context"
	"fmt"
	"sync"
)

const sessionBuffer = 64

// Network is an in-process rendezvous connecting memory transports by
// peer id. It backs tests and single-process setups.
type Network struct {
	mu    sync.Mutex
	peers map[string]*MemoryTransport
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{peers: map[string]*MemoryTransport{}}
}

// Join registers a peer id on the network and returns its transport.
func (n *Network) Join(peerID string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := &MemoryTransport{
		network:  n,
		selfID:   peerID,
		incoming: make(chan Session, sessionBuffer),
	}
	n.peers[peerID] = t
	return t
}

func (n *Network) lookup(peerID string) (*MemoryTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.peers[peerID]
	return t, ok
}

func (n *Network) leave(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, peerID)
}

// MemoryTransport is the in-process Transport implementation.
type MemoryTransport struct {
	network  *Network
	selfID   string
	incoming chan Session

	mu       sync.Mutex
	sessions []*memSession
	closed   bool
}

func (t *MemoryTransport) SelfID() string {
	return t.selfID
}

func (t *MemoryTransport) Connect(ctx context.Context, peerID string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	remote, ok := t.network.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("connect %s: %w", peerID, ErrPeerUnreachable)
	}

	local := newMemSession(peerID)
	far := newMemSession(t.selfID)
	local.peer, far.peer = far, local

	if err := t.track(local); err != nil {
		return nil, err
	}
	if err := remote.accept(far); err != nil {
		local.closeQuietly()
		return nil, fmt.Errorf("connect %s: %w", peerID, ErrPeerUnreachable)
	}
	return local, nil
}

func (t *MemoryTransport) Incoming() <-chan Session {
	return t.incoming
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := t.sessions
	t.sessions = nil
	t.mu.Unlock()

	t.network.leave(t.selfID)
	for _, s := range sessions {
		_ = s.Close()
	}
	close(t.incoming)
	return nil
}

func (t *MemoryTransport) track(s *memSession) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrSessionClosed
	}
	t.sessions = append(t.sessions, s)
	return nil
}

func (t *MemoryTransport) accept(s *memSession) error {
	if err := t.track(s); err != nil {
		return err
	}
	t.incoming <- s
	return nil
}

type memSession struct {
	peerID string
	peer   *memSession

	mu     sync.Mutex
	events chan Event
	closed bool
}

func newMemSession(peerID string) *memSession {
	return &memSession{
		peerID: peerID,
		events: make(chan Event, sessionBuffer),
	}
}

func (s *memSession) PeerID() string {
	return s.peerID
}

func (s *memSession) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	out := make([]byte, len(data))
	copy(out, data)
	return s.peer.deliver(Event{Type: EventData, Data: out})
}

// deliver enqueues an event for the reader of this session. Delivery
// and close are serialized so a send never races channel shutdown.
func (s *memSession) deliver(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return fmt.Errorf("session buffer full for peer %s", s.peerID)
	}
}

func (s *memSession) Events() <-chan Event {
	return s.events
}

// Close tears both ends down; each side observes a close event.
func (s *memSession) Close() error {
	s.closeQuietly()
	s.peer.closeQuietly()
	return nil
}

func (s *memSession) closeQuietly() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	select {
	case s.events <- Event{Type: EventClose}:
	default:
	}
	close(s.events)
}
