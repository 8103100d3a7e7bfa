// Package api is the local control surface of the daemon: note CRUD,
// peer management and sync triggers over HTTP. It binds to loopback;
// peers never talk to it.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/paperwork/paperd/internal/notes"
	"github.com/paperwork/paperd/internal/pairing"
	"github.com/paperwork/paperd/internal/peering"
	"github.com/paperwork/paperd/internal/syncer"
)

// Server wires the daemon's services into HTTP handlers.
type Server struct {
	peers  *peering.Manager
	notes  *notes.Service
	sync   *syncer.Service
	logger zerolog.Logger
}

// NewServer creates the control API over the given services.
func NewServer(peers *peering.Manager, noteSvc *notes.Service, syncSvc *syncer.Service, logger zerolog.Logger) *Server {
	return &Server{
		peers:  peers,
		notes:  noteSvc,
		sync:   syncSvc,
		logger: logger.With().Str("service", "api").Logger(),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Route("/notes", func(r chi.Router) {
			r.Get("/", s.listNotes)
			r.Post("/", s.createNote)
			r.Get("/{noteId}", s.showNote)
			r.Put("/{noteId}", s.updateNote)
			r.Delete("/{noteId}", s.destroyNote)
		})
		r.Route("/peers", func(r chi.Router) {
			r.Get("/", s.listPeers)
			r.Post("/pair", s.pairPeer)
			r.Post("/{peerId}/connect", s.connectPeer)
			r.Post("/{peerId}/disconnect", s.disconnectPeer)
			r.Delete("/{peerId}", s.revokePeer)
		})
		r.Post("/sync", s.syncAll)
		r.Post("/sync/{peerId}", s.syncPeer)
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"peerId":    s.peers.SelfID(),
		"connected": s.peers.ConnectedPeers(),
	})
}

func (s *Server) listNotes(w http.ResponseWriter, r *http.Request) {
	listed, err := s.notes.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "LIST_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"notes": listed})
}

func (s *Server) createNote(w http.ResponseWriter, r *http.Request) {
	var note notes.Note
	if err := decodeBody(r, &note); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	created, err := s.notes.Create(r.Context(), note)
	if err != nil {
		if errors.Is(err, notes.ErrEmptyNote) {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "CREATE_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) showNote(w http.ResponseWriter, r *http.Request) {
	noteID := strings.TrimSpace(chi.URLParam(r, "noteId"))
	note, err := s.notes.Show(r.Context(), noteID)
	if err != nil {
		if errors.Is(err, notes.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "note not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "SHOW_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, note)
}

func (s *Server) updateNote(w http.ResponseWriter, r *http.Request) {
	noteID := strings.TrimSpace(chi.URLParam(r, "noteId"))
	var note notes.Note
	if err := decodeBody(r, &note); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	updated, err := s.notes.Update(r.Context(), noteID, note)
	if err != nil {
		switch {
		case errors.Is(err, notes.ErrNotFound):
			respondError(w, http.StatusNotFound, "NOT_FOUND", "note not found", nil)
		case errors.Is(err, notes.ErrEmptyNote):
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		default:
			respondError(w, http.StatusInternalServerError, "UPDATE_FAILED", err.Error(), nil)
		}
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) destroyNote(w http.ResponseWriter, r *http.Request) {
	noteID := strings.TrimSpace(chi.URLParam(r, "noteId"))
	if err := s.notes.Destroy(r.Context(), noteID); err != nil {
		if errors.Is(err, notes.ErrNotFound) {
			respondError(w, http.StatusNotFound, "NOT_FOUND", "note not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "DESTROY_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "DESTROYED", "noteId": noteID})
}

type peerView struct {
	PeerID   string `json:"peerId"`
	State    string `json:"state,omitempty"`
	PairedAt string `json:"pairedAt,omitempty"`
}

func (s *Server) listPeers(w http.ResponseWriter, _ *http.Request) {
	authorized := s.peers.AuthorizedPeers()
	views := make([]peerView, 0, len(authorized))
	for id, record := range authorized {
		view := peerView{PeerID: id}
		if !record.Timestamp.IsZero() {
			view.PairedAt = record.Timestamp.UTC().Format(time.RFC3339)
		}
		if state, ok := s.peers.PeerState(id); ok {
			view.State = state.String()
		}
		views = append(views, view)
	}
	respondJSON(w, http.StatusOK, map[string]any{"peers": views})
}

type pairRequest struct {
	PeerID string `json:"peerId"`
	Code   string `json:"code"`
}

// pairPeer derives the mutual secrets from a pairing code, stores the
// record and dials the peer.
func (s *Server) pairPeer(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	record, err := pairing.DeriveRecord(req.Code, s.peers.SelfID(), req.PeerID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}

	s.peers.UpdateAuthorizedPeers(func(peers map[string]peering.AuthorizedPeer) {
		peers[record.PeerID] = record
	})

	if err := s.peers.Connect(r.Context(), record.PeerID); err != nil {
		// Pairing stands even when the peer is offline right now.
		s.logger.Warn().Err(err).Str("peerId", record.PeerID).Msg("paired but could not connect")
		respondJSON(w, http.StatusOK, map[string]any{"status": "PAIRED_OFFLINE", "peerId": record.PeerID})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "PAIRED", "peerId": record.PeerID})
}

func (s *Server) connectPeer(w http.ResponseWriter, r *http.Request) {
	peerID := strings.TrimSpace(chi.URLParam(r, "peerId"))
	if err := s.peers.Connect(r.Context(), peerID); err != nil {
		if errors.Is(err, peering.ErrNotAuthorized) {
			respondError(w, http.StatusForbidden, "NOT_AUTHORIZED", err.Error(), nil)
			return
		}
		respondError(w, http.StatusBadGateway, "CONNECT_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "CONNECTED", "peerId": peerID})
}

func (s *Server) disconnectPeer(w http.ResponseWriter, r *http.Request) {
	peerID := strings.TrimSpace(chi.URLParam(r, "peerId"))
	closed := s.peers.Disconnect(peerID)
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "DISCONNECTED",
		"peerId":    peerID,
		"wasOnline": closed != "",
	})
}

// revokePeer removes a peer from the allow-list and reconciles the
// connection table, which disconnects it.
func (s *Server) revokePeer(w http.ResponseWriter, r *http.Request) {
	peerID := strings.TrimSpace(chi.URLParam(r, "peerId"))
	revoked := false
	s.peers.UpdateAuthorizedPeers(func(peers map[string]peering.AuthorizedPeer) {
		if _, ok := peers[peerID]; ok {
			delete(peers, peerID)
			revoked = true
		}
	})
	if !revoked {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "peer not paired", nil)
		return
	}
	if err := s.peers.SyncAuthorizedPeersAndConnections(r.Context(), true, false); err != nil {
		respondError(w, http.StatusInternalServerError, "REVOKE_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "REVOKED", "peerId": peerID})
}

func (s *Server) syncAll(w http.ResponseWriter, r *http.Request) {
	if err := s.sync.SyncAll(r.Context()); err != nil {
		respondError(w, http.StatusBadGateway, "SYNC_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "SYNCING", "peers": s.peers.ConnectedPeers()})
}

func (s *Server) syncPeer(w http.ResponseWriter, r *http.Request) {
	peerID := strings.TrimSpace(chi.URLParam(r, "peerId"))
	if err := s.sync.SyncWith(r.Context(), peerID); err != nil {
		if errors.Is(err, peering.ErrNotConnected) {
			respondError(w, http.StatusConflict, "NOT_CONNECTED", err.Error(), nil)
			return
		}
		respondError(w, http.StatusBadGateway, "SYNC_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "SYNCING", "peerId": peerID})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}
