// ABOUTME: HTTP endpoints for the message bus: the peer receiver and the local views
// ABOUTME: Errors map to status codes and are returned as {"error": "..."}

package bus

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/coven-dispatch/internal/store"
)

const maxBodySize = 1 << 20

// SendRequest is the JSON body of POST /api/bus/send.
type SendRequest struct {
	ToNode  string `json:"to_node,omitempty"`
	Content string `json:"content"`
}

// Register mounts the bus endpoints on mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc(MessagesPath, s.handleReceive)
	mux.HandleFunc(MessagesPath+"/", s.handleMessageRoutes)
	mux.HandleFunc("/api/bus/send", s.handleSend)
	mux.HandleFunc("/api/bus/inbox", s.handleInbox)
	mux.HandleFunc("/api/bus/unread", s.handleUnread)
	mux.HandleFunc("/api/bus/failed", s.handleFailed)
}

// handleReceive handles POST /api/bus/messages from peer relays.
func (s *Service) handleReceive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var in Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	inserted, err := s.Receive(r.Context(), in)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receiveResponse{Received: true, Duplicate: !inserted})
}

// handleMessageRoutes handles GET /api/bus/messages/{id} and POST /api/bus/messages/{id}/read.
func (s *Service) handleMessageRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, MessagesPath+"/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		msg, err := s.Get(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, FromStore(msg))
	case action == "read" && r.Method == http.MethodPost:
		if err := s.MarkRead(r.Context(), id); err != nil {
			s.writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"read": true})
	case action == "" || action == "read":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// handleSend handles POST /api/bus/send.
func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	msg, err := s.Send(r.Context(), req.ToNode, req.Content)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, FromStore(msg))
}

// handleInbox handles GET /api/bus/inbox?limit=N.
func (s *Service) handleInbox(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	msgs, err := s.Inbox(r.Context(), queryLimit(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": fromStoreList(msgs)})
}

// handleUnread handles GET /api/bus/unread.
func (s *Service) handleUnread(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, err := s.UnreadCount(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

// handleFailed handles GET /api/bus/failed?limit=N.
func (s *Service) handleFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	msgs, err := s.Failed(r.Context(), queryLimit(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": fromStoreList(msgs)})
}

func (s *Service) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "message not found")
	default:
		s.logger.Error("bus request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
