// Package ws implements the Transport contract over one websocket to a
// rendezvous relay. Logical peer sessions are multiplexed as frames on
// the signalling link; the link itself is redialed with backoff when it
// drops, while sessions riding on it fail fast and are re-established
// by the peering layer.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/paperwork/paperd/internal/rendezvous"
	"github.com/paperwork/paperd/internal/transport"
)

const (
	writeWait      = 10 * time.Second
	incomingBuffer = 16
	sessionBuffer  = 64
	initialRedial  = time.Second
	maxRedial      = 30 * time.Second
	openAckBuffer  = 1
	reasonLinkDown = "signalling link down"
)

// Transport is a websocket-backed transport registered at a rendezvous
// relay under a fixed peer id.
type Transport struct {
	selfID string
	wsURL  string
	logger zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	mu       sync.Mutex
	sessions map[string]*wsSession
	pending  map[string]chan rendezvous.Frame
	closed   bool

	incoming chan transport.Session
	done     chan struct{}
	wg       sync.WaitGroup
}

// Dial registers selfID at the relay and starts the frame reader. The
// returned transport keeps redialing the relay until Close is called.
func Dial(ctx context.Context, rawURL, selfID string, logger zerolog.Logger) (*Transport, error) {
	wsURL, err := registrationURL(rawURL, selfID)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial rendezvous %s: %w", rawURL, err)
	}

	t := &Transport{
		selfID:   selfID,
		wsURL:    wsURL,
		logger:   logger.With().Str("service", "transport").Str("peerId", selfID).Logger(),
		conn:     conn,
		sessions: map[string]*wsSession{},
		pending:  map[string]chan rendezvous.Frame{},
		incoming: make(chan transport.Session, incomingBuffer),
		done:     make(chan struct{}),
	}
	t.wg.Add(1)
	go t.readLoop()
	return t, nil
}

func registrationURL(rawURL, selfID string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse rendezvous url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported rendezvous scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("peerId", selfID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) SelfID() string {
	return t.selfID
}

func (t *Transport) Incoming() <-chan transport.Session {
	return t.incoming
}

// Connect opens a logical session to peerID through the relay and
// blocks until the peer accepts or the context is done.
func (t *Transport) Connect(ctx context.Context, peerID string) (transport.Session, error) {
	sessionID := uuid.NewString()
	ack := make(chan rendezvous.Frame, openAckBuffer)

	// The session is registered before the open frame leaves, so data
	// the peer sends right after accepting lands in its buffer instead
	// of bouncing off an unknown session.
	s := t.addSession(sessionID, peerID)
	if s == nil {
		return nil, transport.ErrSessionClosed
	}
	t.mu.Lock()
	t.pending[sessionID] = ack
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, sessionID)
		t.mu.Unlock()
	}()

	abort := func(err error) (transport.Session, error) {
		t.removeSession(sessionID)
		s.finish(transport.Event{Type: transport.EventError, Err: err})
		return nil, err
	}

	err := t.writeFrame(rendezvous.Frame{
		Kind:      rendezvous.FrameOpen,
		SessionID: sessionID,
		To:        peerID,
	})
	if err != nil {
		return abort(fmt.Errorf("connect %s: %w", peerID, err))
	}

	select {
	case frame := <-ack:
		if frame.Kind != rendezvous.FrameAccept {
			return abort(fmt.Errorf("connect %s: %s: %w", peerID, frame.Reason, transport.ErrPeerUnreachable))
		}
		return s, nil
	case <-ctx.Done():
		return abort(ctx.Err())
	case <-t.done:
		return nil, transport.ErrSessionClosed
	}
}

// Close shuts the signalling link down and fails every open session.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sessions := make([]*wsSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = map[string]*wsSession{}
	t.mu.Unlock()

	close(t.done)
	for _, s := range sessions {
		s.finish(transport.Event{Type: transport.EventClose})
	}

	t.connMu.Lock()
	if t.conn != nil {
		_ = t.conn.Close()
	}
	t.connMu.Unlock()

	t.wg.Wait()
	close(t.incoming)
	return nil
}

// readLoop demultiplexes relay frames onto sessions. When the link
// drops it fails all sessions and redials with backoff until the
// transport is closed.
func (t *Transport) readLoop() {
	defer t.wg.Done()

	for {
		t.connMu.Lock()
		conn := t.conn
		t.connMu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var frame rendezvous.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				t.logger.Debug().Err(err).Msg("dropping undecodable frame")
				continue
			}
			t.handleFrame(frame)
		}

		select {
		case <-t.done:
			return
		default:
		}

		t.failAll(errors.New(reasonLinkDown))
		if !t.redial() {
			return
		}
	}
}

// redial re-establishes the signalling link with exponential backoff.
// It returns false when the transport was closed while waiting.
func (t *Transport) redial() bool {
	backoff := initialRedial
	for {
		select {
		case <-t.done:
			return false
		case <-time.After(backoff):
		}

		conn, _, err := websocket.DefaultDialer.Dial(t.wsURL, nil)
		if err == nil {
			t.connMu.Lock()
			t.conn = conn
			t.connMu.Unlock()
			t.logger.Info().Msg("signalling link re-established")
			return true
		}
		t.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redial failed")
		if backoff *= 2; backoff > maxRedial {
			backoff = maxRedial
		}
	}
}

func (t *Transport) handleFrame(frame rendezvous.Frame) {
	switch frame.Kind {
	case rendezvous.FrameOpen:
		t.handleOpen(frame)

	case rendezvous.FrameAccept, rendezvous.FrameError:
		t.mu.Lock()
		ack, pending := t.pending[frame.SessionID]
		s := t.sessions[frame.SessionID]
		t.mu.Unlock()
		if pending {
			select {
			case ack <- frame:
			default:
			}
			return
		}
		if s != nil && frame.Kind == rendezvous.FrameError {
			t.removeSession(frame.SessionID)
			s.finish(transport.Event{Type: transport.EventError, Err: errors.New(frame.Reason)})
		}

	case rendezvous.FrameData:
		t.mu.Lock()
		s := t.sessions[frame.SessionID]
		t.mu.Unlock()
		if s == nil {
			_ = t.writeFrame(rendezvous.Frame{
				Kind:      rendezvous.FrameError,
				SessionID: frame.SessionID,
				To:        frame.From,
				Reason:    "unknown session",
			})
			return
		}
		s.deliver(transport.Event{Type: transport.EventData, Data: frame.Payload})

	case rendezvous.FrameClose:
		t.mu.Lock()
		s := t.sessions[frame.SessionID]
		delete(t.sessions, frame.SessionID)
		t.mu.Unlock()
		if s != nil {
			s.finish(transport.Event{Type: transport.EventClose})
		}

	default:
		t.logger.Debug().Str("kind", frame.Kind).Msg("ignoring unknown frame kind")
	}
}

// handleOpen accepts an inbound session and hands it to the consumer.
// When the consumer is not draining, the open is refused rather than
// blocking the frame reader.
func (t *Transport) handleOpen(frame rendezvous.Frame) {
	s := t.addSession(frame.SessionID, frame.From)
	if s == nil {
		return
	}
	select {
	case t.incoming <- s:
		_ = t.writeFrame(rendezvous.Frame{
			Kind:      rendezvous.FrameAccept,
			SessionID: frame.SessionID,
			To:        frame.From,
		})
	default:
		t.removeSession(frame.SessionID)
		_ = t.writeFrame(rendezvous.Frame{
			Kind:      rendezvous.FrameError,
			SessionID: frame.SessionID,
			To:        frame.From,
			Reason:    "peer busy",
		})
	}
}

func (t *Transport) addSession(sessionID, peerID string) *wsSession {
	s := &wsSession{
		id:        sessionID,
		peerID:    peerID,
		transport: t,
		events:    make(chan transport.Event, sessionBuffer),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.sessions[sessionID] = s
	return s
}

func (t *Transport) removeSession(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

func (t *Transport) failAll(err error) {
	t.mu.Lock()
	sessions := make([]*wsSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = map[string]*wsSession{}
	pending := t.pending
	t.pending = map[string]chan rendezvous.Frame{}
	t.mu.Unlock()

	for _, s := range sessions {
		s.finish(transport.Event{Type: transport.EventError, Err: err})
	}
	for _, ack := range pending {
		select {
		case ack <- rendezvous.Frame{Kind: rendezvous.FrameError, Reason: err.Error()}:
		default:
		}
	}
}

// writeFrame serializes one frame onto the signalling link. Writes are
// serialized; gorilla connections allow one concurrent writer.
func (t *Transport) writeFrame(frame rendezvous.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return transport.ErrPeerUnreachable
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

type wsSession struct {
	id        string
	peerID    string
	transport *Transport

	mu     sync.Mutex
	events chan transport.Event
	closed bool
}

func (s *wsSession) PeerID() string {
	return s.peerID
}

func (s *wsSession) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return transport.ErrSessionClosed
	}
	return s.transport.writeFrame(rendezvous.Frame{
		Kind:      rendezvous.FrameData,
		SessionID: s.id,
		To:        s.peerID,
		Payload:   data,
	})
}

func (s *wsSession) Events() <-chan transport.Event {
	return s.events
}

// Close notifies the remote end and finishes the session locally.
func (s *wsSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_ = s.transport.writeFrame(rendezvous.Frame{
		Kind:      rendezvous.FrameClose,
		SessionID: s.id,
		To:        s.peerID,
	})
	s.transport.removeSession(s.id)
	s.finish(transport.Event{Type: transport.EventClose})
	return nil
}

// deliver enqueues a data event; a full buffer drops the message, the
// peering layer treats silence as a dead session via its timeouts.
func (s *wsSession) deliver(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
	}
}

// finish delivers a terminal event and closes the events channel.
func (s *wsSession) finish(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	select {
	case s.events <- ev:
	default:
	}
	close(s.events)
}
