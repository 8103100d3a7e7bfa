// Package peering owns the connection table: it discovers, authorizes,
// authenticates and multiplexes messages across a dynamic set of peer
// connections over an opaque point-to-point transport.
package peering

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/paperwork/paperd/internal/protocol"
	"github.com/paperwork/paperd/internal/transport"
)

var (
	// ErrNotAuthorized blocks connects/accepts for peer ids absent
	// from the allow-list.
	ErrNotAuthorized = errors.New("peer not authorized")
	// ErrNotConnected is returned by Send without a live session.
	ErrNotConnected = errors.New("peer not connected")
	// ErrHandshakeTimeout tears down sessions that never authenticate.
	ErrHandshakeTimeout = errors.New("handshake timed out")
)

// AuthorizedPeer is a mutual-trust pairing record. LocalKey is the
// secret this device expects the peer to present; RemoteKey is the
// secret this device presents to the peer. Records are created by an
// out-of-band pairing process, never by the protocol itself.
type AuthorizedPeer struct {
	PeerID    string    `json:"peerId"`
	LocalKey  string    `json:"localKey"`
	RemoteKey string    `json:"remoteKey"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the per-peer connection state. Absence from the connection
// table means no connection; Closed entries are removed, so re-entry
// starts fresh.
type State int

const (
	StateConnecting State = iota + 1
	StateOpen
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SyncHandler consumes sync payloads from authenticated peers.
type SyncHandler interface {
	HandleSync(ctx context.Context, peerID string, payload json.RawMessage) error
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultRejectGrace      = 500 * time.Millisecond
)

// Config wires a Manager's collaborators.
type Config struct {
	Transport       transport.Transport
	Logger          zerolog.Logger
	AuthorizedPeers map[string]AuthorizedPeer
	// HandshakeTimeout bounds how long a session may stay
	// unauthenticated before it is dropped.
	HandshakeTimeout time.Duration
	// RejectGrace delays the close after a Forbidden rejection so the
	// message has a chance to flush.
	RejectGrace time.Duration
}

// Manager runs the peer connection state machines and dispatches
// inbound messages.
type Manager struct {
	transport        transport.Transport
	logger           zerolog.Logger
	handshakeTimeout time.Duration
	rejectGrace      time.Duration

	mu          sync.Mutex
	authorized  map[string]AuthorizedPeer
	conns       map[string]*conn
	syncHandler SyncHandler
	closed      bool

	wg sync.WaitGroup
}

type conn struct {
	peerID string

	mu      sync.Mutex
	session transport.Session
	state   State
	authErr error

	authDone chan struct{}
	authOnce sync.Once
	timer    *time.Timer
}

func (c *conn) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// currentSession reads the session under the conn lock. The dialing
// goroutine publishes the session after the table slot is already
// visible, so readers must not touch the field directly.
func (c *conn) currentSession() transport.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// finishAuth resolves the handshake exactly once; nil reports a
// completed handshake.
func (c *conn) finishAuth(err error) {
	c.authOnce.Do(func() {
		c.mu.Lock()
		c.authErr = err
		c.mu.Unlock()
		close(c.authDone)
	})
}

func (c *conn) authResult() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authErr
}

// waitAuth blocks until the handshake resolves or the caller's context
// expires. It never tears the connection down; that is the dialing
// goroutine's job.
func (c *conn) waitAuth(ctx context.Context) error {
	select {
	case <-c.authDone:
		return c.authResult()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewManager creates a Manager. Call Start to begin accepting inbound
// sessions and Close to tear everything down.
func NewManager(cfg Config) *Manager {
	authorized := make(map[string]AuthorizedPeer, len(cfg.AuthorizedPeers))
	for id, record := range cfg.AuthorizedPeers {
		authorized[id] = record
	}
	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultHandshakeTimeout
	}
	rejectGrace := cfg.RejectGrace
	if rejectGrace <= 0 {
		rejectGrace = defaultRejectGrace
	}
	return &Manager{
		transport:        cfg.Transport,
		logger:           cfg.Logger.With().Str("service", "peering").Logger(),
		handshakeTimeout: handshakeTimeout,
		rejectGrace:      rejectGrace,
		authorized:       authorized,
		conns:            map[string]*conn{},
	}
}

// SetSyncHandler installs the consumer for inbound sync payloads.
func (m *Manager) SetSyncHandler(h SyncHandler) {
	m.mu.Lock()
	m.syncHandler = h
	m.mu.Unlock()
}

// SelfID is this device's peer id.
func (m *Manager) SelfID() string {
	return m.transport.SelfID()
}

// Start begins accepting inbound transport sessions.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for session := range m.transport.Incoming() {
			m.handleInbound(session)
		}
	}()
}

// Close disconnects every peer and stops the accept loop.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		m.teardown(c, errors.New("manager closed"))
	}
	err := m.transport.Close()
	m.wg.Wait()
	return err
}

// SetAuthorizedPeers replaces the allow-list.
func (m *Manager) SetAuthorizedPeers(peers map[string]AuthorizedPeer) {
	next := make(map[string]AuthorizedPeer, len(peers))
	for id, record := range peers {
		next[id] = record
	}
	m.mu.Lock()
	m.authorized = next
	m.mu.Unlock()
}

// UpdateAuthorizedPeers mutates the allow-list under the manager lock.
// Callers that read-modify-write through AuthorizedPeers and
// SetAuthorizedPeers can lose each other's changes when they overlap;
// this keeps the mutation atomic. The map passed to mutate must not be
// retained.
func (m *Manager) UpdateAuthorizedPeers(mutate func(peers map[string]AuthorizedPeer)) {
	m.mu.Lock()
	mutate(m.authorized)
	m.mu.Unlock()
}

// AuthorizedPeers returns a copy of the allow-list.
func (m *Manager) AuthorizedPeers() map[string]AuthorizedPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]AuthorizedPeer, len(m.authorized))
	for id, record := range m.authorized {
		out[id] = record
	}
	return out
}

func (m *Manager) authorizedPeer(peerID string) (AuthorizedPeer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.authorized[peerID]
	return record, ok
}

// ConnectedPeers lists peer ids with a live table entry.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

// PeerState reports the connection state for a peer id; ok is false
// when no connection exists.
func (m *Manager) PeerState(peerID string) (State, bool) {
	m.mu.Lock()
	c := m.conns[peerID]
	m.mu.Unlock()
	if c == nil {
		return 0, false
	}
	return c.currentState(), true
}

// Connect opens and authenticates a session to an authorized peer. It
// resolves only once the auth round completes or the session dies
// first; when a connection already exists it joins that connection's
// handshake instead of dialing again.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	record, ok := m.authorizedPeer(peerID)
	if !ok {
		return fmt.Errorf("connect %s: %w", peerID, ErrNotAuthorized)
	}

	// Reserve the table slot before dialing so a concurrent inbound
	// accept or second dial for the same peer id cannot create a
	// duplicate connection.
	m.mu.Lock()
	if existing, ok := m.conns[peerID]; ok {
		m.mu.Unlock()
		// The existing connection may still be mid-handshake; success
		// here must mean the peer is actually authenticated.
		if err := existing.waitAuth(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", peerID, err)
		}
		return nil
	}
	c := &conn{
		peerID:   peerID,
		state:    StateConnecting,
		authDone: make(chan struct{}),
	}
	m.conns[peerID] = c
	m.mu.Unlock()

	session, err := m.transport.Connect(ctx, peerID)
	if err != nil {
		m.remove(c)
		return fmt.Errorf("connect %s: %w", peerID, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = session.Close()
		m.remove(c)
		return errors.New("manager closed")
	}
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	m.mu.Unlock()
	c.setState(StateOpen)
	m.startConn(c)

	auth, err := protocol.New(protocol.CommandAuth, protocol.CodeOK, protocol.AuthPayload{
		MyKey:   record.LocalKey,
		YourKey: record.RemoteKey,
	})
	if err != nil {
		m.teardown(c, err)
		return err
	}
	if err := m.sendMessage(ctx, c, auth); err != nil {
		m.teardown(c, err)
		return fmt.Errorf("connect %s: send auth: %w", peerID, err)
	}

	select {
	case <-c.authDone:
		if err := c.authResult(); err != nil {
			return fmt.Errorf("connect %s: %w", peerID, err)
		}
		m.logger.Info().Str("peerId", peerID).Msg("peer connected")
		return nil
	case <-ctx.Done():
		m.teardown(c, ctx.Err())
		return ctx.Err()
	}
}

// Disconnect closes and removes a peer's connection. It is an
// idempotent no-op for unknown peers and returns the peer id when a
// connection was actually closed.
func (m *Manager) Disconnect(peerID string) string {
	m.mu.Lock()
	c := m.conns[peerID]
	m.mu.Unlock()
	if c == nil {
		return ""
	}
	m.teardown(c, errors.New("disconnected locally"))
	m.logger.Info().Str("peerId", peerID).Msg("peer disconnected")
	return peerID
}

// Send delivers one message to a connected peer.
func (m *Manager) Send(ctx context.Context, peerID string, msg protocol.Message) error {
	m.mu.Lock()
	c := m.conns[peerID]
	m.mu.Unlock()
	if c == nil || c.currentSession() == nil {
		return fmt.Errorf("send to %s: %w", peerID, ErrNotConnected)
	}
	return m.sendMessage(ctx, c, msg)
}

// SendAll fans a message out to every connected peer. A single peer's
// failure does not abort delivery to the others; failures are
// aggregated per peer.
func (m *Manager) SendAll(ctx context.Context, msg protocol.Message) error {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		if c.currentSession() != nil {
			conns = append(conns, c)
		}
	}
	m.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			if err := m.sendMessage(ctx, c, msg); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", c.peerID, err))
				errMu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return errs
}

// SyncAuthorizedPeersAndConnections reconciles the connection table
// against the allow-list. It is idempotent and safe to re-run whenever
// the allow-list changes; per-peer failures are isolated and
// aggregated.
func (m *Manager) SyncAuthorizedPeersAndConnections(ctx context.Context, removeUnauthorized, connectNewlyAuthorized bool) error {
	m.mu.Lock()
	connected := make(map[string]struct{}, len(m.conns))
	for id := range m.conns {
		connected[id] = struct{}{}
	}
	authorized := make(map[string]struct{}, len(m.authorized))
	for id := range m.authorized {
		authorized[id] = struct{}{}
	}
	m.mu.Unlock()

	var toDisconnect, toConnect []string
	if removeUnauthorized {
		for id := range connected {
			if _, ok := authorized[id]; !ok {
				toDisconnect = append(toDisconnect, id)
			}
		}
	}
	if connectNewlyAuthorized {
		for id := range authorized {
			if _, ok := connected[id]; !ok {
				toConnect = append(toConnect, id)
			}
		}
	}

	for _, id := range toDisconnect {
		m.Disconnect(id)
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	for _, id := range toConnect {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := m.Connect(ctx, id); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, err)
				errMu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	m.logger.Debug().
		Int("disconnected", len(toDisconnect)).
		Int("dialed", len(toConnect)).
		Msg("reconciled authorized peers and connections")
	return errs
}

// handleInbound registers a new inbound session, or rejects it when
// the remote peer id is not authorized. The rejection is sent first
// and the close delayed briefly; closing immediately risks the
// rejection never being delivered.
func (m *Manager) handleInbound(session transport.Session) {
	peerID := session.PeerID()
	if _, ok := m.authorizedPeer(peerID); !ok {
		m.logger.Warn().Str("peerId", peerID).Msg("rejecting unauthorized inbound connection")
		m.rejectSession(session)
		return
	}

	c := &conn{
		peerID:   peerID,
		session:  session,
		state:    StateOpen,
		authDone: make(chan struct{}),
	}
	m.mu.Lock()
	if _, exists := m.conns[peerID]; exists || m.closed {
		m.mu.Unlock()
		m.logger.Warn().Str("peerId", peerID).Msg("dropping duplicate inbound connection")
		_ = session.Close()
		return
	}
	m.conns[peerID] = c
	m.mu.Unlock()

	m.logger.Info().Str("peerId", peerID).Msg("inbound connection registered")
	m.startConn(c)
}

func (m *Manager) rejectSession(session transport.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), m.rejectGrace)
	reject := protocol.NewStatus(protocol.CodeForbidden, nil)
	if data, err := reject.Encode(); err == nil {
		if err := session.Send(ctx, data); err != nil {
			m.logger.Debug().Err(err).Msg("failed to deliver rejection")
		}
	}
	cancel()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		time.Sleep(m.rejectGrace)
		_ = session.Close()
	}()
}

// startConn arms the handshake timeout and starts the session reader.
func (m *Manager) startConn(c *conn) {
	c.mu.Lock()
	c.timer = time.AfterFunc(m.handshakeTimeout, func() {
		if c.currentState() == StateAuthenticated {
			return
		}
		m.logger.Warn().Str("peerId", c.peerID).Msg("dropping connection: handshake timed out")
		m.teardown(c, ErrHandshakeTimeout)
	})
	c.mu.Unlock()

	session := c.currentSession()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range session.Events() {
			switch ev.Type {
			case transport.EventData:
				m.dispatch(c, ev.Data)
			case transport.EventError:
				m.logger.Warn().Err(ev.Err).Str("peerId", c.peerID).Msg("transport error, tearing connection down")
				m.teardown(c, ev.Err)
				return
			case transport.EventClose:
				m.teardown(c, transport.ErrSessionClosed)
				return
			}
		}
		m.teardown(c, transport.ErrSessionClosed)
	}()
}

// dispatch routes one inbound message through the per-connection state
// machine. Messages are processed in arrival order per connection.
func (m *Manager) dispatch(c *conn, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg, err := protocol.Decode(data)
	if err != nil {
		m.logger.Debug().Err(err).Str("peerId", c.peerID).Msg("undecodable message")
		m.replyStatus(ctx, c, protocol.CodeBadRequest, json.RawMessage(data))
		return
	}

	// A peer may be revoked mid-session.
	record, ok := m.authorizedPeer(c.peerID)
	if !ok {
		m.logger.Warn().Str("peerId", c.peerID).Msg("peer no longer authorized, disconnecting")
		m.replyStatus(ctx, c, protocol.CodeForbidden, nil)
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			time.Sleep(m.rejectGrace)
			m.teardown(c, ErrNotAuthorized)
		}()
		return
	}

	if c.currentState() == StateAuthenticated {
		m.dispatchAuthenticated(ctx, c, msg)
		return
	}
	m.dispatchUnauthenticated(ctx, c, record, msg)
}

func (m *Manager) dispatchUnauthenticated(ctx context.Context, c *conn, record AuthorizedPeer, msg protocol.Message) {
	switch msg.Command {
	case protocol.CommandAuth:
		auth, err := protocol.DecodePayload[protocol.AuthPayload](msg.Payload)
		if err != nil {
			m.logger.Debug().Err(err).Str("peerId", c.peerID).Msg("malformed auth payload")
			return
		}
		if subtle.ConstantTimeCompare([]byte(auth.YourKey), []byte(record.LocalKey)) != 1 {
			// Mismatches are dropped silently; the peer may retry.
			m.logger.Debug().Str("peerId", c.peerID).Msg("auth key mismatch")
			return
		}
		m.learnRemoteKey(c.peerID, auth.MyKey)
		m.authenticate(c)
		m.replyCommand(ctx, c, protocol.CommandAuthOk, nil)
		m.logger.Info().Str("peerId", c.peerID).Msg("peer authenticated")

	case protocol.CommandAuthOk:
		// The responder accepted our handshake.
		m.authenticate(c)

	case protocol.CommandStatus:
		// Outcome reports are never answered, to avoid status loops.
		m.logger.Debug().
			Str("peerId", c.peerID).
			Int("code", msg.Code).
			Msg("status from unauthenticated peer")

	default:
		m.replyStatus(ctx, c, protocol.CodeUnauthorized, nil)
	}
}

func (m *Manager) dispatchAuthenticated(ctx context.Context, c *conn, msg protocol.Message) {
	switch msg.Command {
	case protocol.CommandSync:
		m.mu.Lock()
		handler := m.syncHandler
		m.mu.Unlock()
		if handler == nil {
			m.logger.Warn().Str("peerId", c.peerID).Msg("sync message received but no handler installed")
			return
		}
		if err := handler.HandleSync(ctx, c.peerID, msg.Payload); err != nil {
			m.logger.Error().Err(err).Str("peerId", c.peerID).Msg("sync handling failed")
		}

	case protocol.CommandStatus:
		m.logger.Debug().
			Str("peerId", c.peerID).
			Int("code", msg.Code).
			Msg("status from peer")

	default:
		// Echo the offending payload for diagnostics on the remote.
		m.replyStatus(ctx, c, protocol.CodeBadRequest, msg.Payload)
	}
}

// authenticate flips a connection to Authenticated and resolves the
// pending Connect, if any.
func (m *Manager) authenticate(c *conn) {
	c.mu.Lock()
	c.state = StateAuthenticated
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.finishAuth(nil)
}

// learnRemoteKey records the key the peer presented as its own, so
// this device can present it back on a future handshake.
func (m *Manager) learnRemoteKey(peerID, key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.authorized[peerID]
	if !ok {
		return
	}
	record.RemoteKey = key
	m.authorized[peerID] = record
}

func (m *Manager) replyStatus(ctx context.Context, c *conn, code int, echo json.RawMessage) {
	if err := m.sendMessage(ctx, c, protocol.NewStatus(code, echo)); err != nil {
		m.logger.Debug().Err(err).Str("peerId", c.peerID).Int("code", code).Msg("failed to send status")
	}
}

func (m *Manager) replyCommand(ctx context.Context, c *conn, command protocol.Command, payload any) {
	msg, err := protocol.New(command, protocol.CodeOK, payload)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to build message")
		return
	}
	if err := m.sendMessage(ctx, c, msg); err != nil {
		m.logger.Debug().Err(err).Str("peerId", c.peerID).Stringer("command", command).Msg("failed to send message")
	}
}

func (m *Manager) sendMessage(ctx context.Context, c *conn, msg protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	session := c.currentSession()
	if session == nil {
		return fmt.Errorf("send to %s: %w", c.peerID, ErrNotConnected)
	}
	return session.Send(ctx, data)
}

// remove deletes the conn's table entry if it is still current.
func (m *Manager) remove(c *conn) {
	m.mu.Lock()
	if m.conns[c.peerID] == c {
		delete(m.conns, c.peerID)
	}
	m.mu.Unlock()
}

// teardown closes a connection, removes it from the table, and fails
// any pending Connect. Errors are recovered locally: the rest of the
// system keeps running.
func (m *Manager) teardown(c *conn, cause error) {
	c.mu.Lock()
	alreadyClosed := c.state == StateClosed
	c.state = StateClosed
	if c.timer != nil {
		c.timer.Stop()
	}
	session := c.session
	c.mu.Unlock()

	m.remove(c)
	if alreadyClosed {
		return
	}
	if session != nil {
		_ = session.Close()
	}
	if cause == nil {
		cause = transport.ErrSessionClosed
	}
	c.finishAuth(fmt.Errorf("connection closed before authentication: %w", cause))
}
