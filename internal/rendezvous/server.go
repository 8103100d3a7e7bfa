// Package rendezvous implements the signalling relay peers meet at.
// Devices hold one websocket to the relay; logical peer-to-peer
// sessions are multiplexed over it as frames the relay routes by peer
// id. The relay never looks inside payloads and holds no note data.
package rendezvous

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Server relays signalling frames between registered peers.
type Server struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]*client
	sessions map[string][2]string
}

// NewServer creates a relay with no registered peers.
func NewServer(logger zerolog.Logger) *Server {
	return &Server{
		logger: logger.With().Str("service", "rendezvous").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients:  map[string]*client{},
		sessions: map[string][2]string{},
	}
}

// Router builds the HTTP surface: a health probe and the websocket
// registration endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/v1/ws", s.handleWS)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	peers := len(s.clients)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "peers": peers})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	peerID := strings.TrimSpace(r.URL.Query().Get("peerId"))
	if peerID == "" {
		http.Error(w, "peerId is required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{peerID: peerID, conn: conn, send: make(chan []byte, sendBuffer)}
	if !s.register(c) {
		s.logger.Warn().Str("peerId", peerID).Msg("rejecting duplicate registration")
		c.writeFrame(Frame{Kind: FrameError, Reason: "peer id already registered"})
		_ = conn.Close()
		return
	}
	s.logger.Info().Str("peerId", peerID).Msg("peer registered")

	go c.writePump()
	s.readPump(c)
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clients[c.peerID]; exists {
		return false
	}
	s.clients[c.peerID] = c
	return true
}

// unregister removes a peer and closes every session it was part of,
// so the surviving end learns its counterpart is gone.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	if s.clients[c.peerID] != c {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c.peerID)

	type orphan struct {
		sessionID string
		survivor  string
	}
	var orphans []orphan
	for sessionID, ends := range s.sessions {
		if ends[0] == c.peerID || ends[1] == c.peerID {
			survivor := ends[0]
			if survivor == c.peerID {
				survivor = ends[1]
			}
			orphans = append(orphans, orphan{sessionID, survivor})
			delete(s.sessions, sessionID)
		}
	}
	s.mu.Unlock()

	for _, o := range orphans {
		s.deliver(o.survivor, Frame{
			Kind:      FrameClose,
			SessionID: o.sessionID,
			From:      c.peerID,
			To:        o.survivor,
		})
	}
	c.close()
	s.logger.Info().Str("peerId", c.peerID).Msg("peer unregistered")
}

func (s *Server) readPump(c *client) {
	defer s.unregister(c)

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("peerId", c.peerID).Msg("read failed")
			}
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Debug().Err(err).Str("peerId", c.peerID).Msg("dropping undecodable frame")
			continue
		}
		s.route(c, frame)
	}
}

// route forwards one frame to its destination. The From field is
// always overwritten with the sender's registered id, so peers cannot
// impersonate each other at the signalling layer.
func (s *Server) route(c *client, frame Frame) {
	frame.From = c.peerID
	if frame.To == "" || frame.SessionID == "" {
		c.writeFrame(Frame{Kind: FrameError, SessionID: frame.SessionID, Reason: "to and sessionId are required"})
		return
	}

	switch frame.Kind {
	case FrameOpen:
		s.mu.Lock()
		s.sessions[frame.SessionID] = [2]string{frame.From, frame.To}
		s.mu.Unlock()
	case FrameClose:
		s.mu.Lock()
		delete(s.sessions, frame.SessionID)
		s.mu.Unlock()
	case FrameAccept, FrameData, FrameError:
	default:
		c.writeFrame(Frame{Kind: FrameError, SessionID: frame.SessionID, Reason: "unknown frame kind"})
		return
	}

	if !s.deliver(frame.To, frame) {
		s.mu.Lock()
		delete(s.sessions, frame.SessionID)
		s.mu.Unlock()
		c.writeFrame(Frame{Kind: FrameError, SessionID: frame.SessionID, From: frame.To, Reason: "peer not registered"})
	}
}

func (s *Server) deliver(peerID string, frame Frame) bool {
	s.mu.Lock()
	target, ok := s.clients[peerID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return target.writeFrame(frame)
}

type client struct {
	peerID string
	conn   *websocket.Conn
	send   chan []byte

	mu     sync.Mutex
	closed bool
}

// writeFrame enqueues a frame for the write pump. A full buffer means
// the client stopped draining; the frame is dropped and reported.
func (c *client) writeFrame(frame Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
