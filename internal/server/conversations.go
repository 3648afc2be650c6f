package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/54b3r/ragchat/internal/logging"
	"github.com/54b3r/ragchat/internal/store"
)

// conversationID parses the {id} path value. It writes a 400 and returns
// false when the id is not a positive integer.
func conversationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return 0, false
	}
	return id, true
}

// requireHistory writes a 404 when conversation history is disabled.
func (s *Server) requireHistory(w http.ResponseWriter) bool {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "conversation history is disabled")
		return false
	}
	return true
}

// writeStoreError maps store errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	logging.FromContext(r.Context()).Error("history: store error", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "history store error")
}

// handleListConversations handles GET /api/conversations, newest first.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	convs, err := s.history.List(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

// handleCreateConversation handles POST /api/conversations. An empty body
// or blank name creates a conversation with the default name.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	var req conversationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	c, err := s.history.Create(r.Context(), req.Name)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// handleGetConversation handles GET /api/conversations/{id}: the
// conversation and all its messages, oldest first.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	c, err := s.history.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	msgs, err := s.history.Messages(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: c, Messages: msgs})
}

// handleRenameConversation handles PATCH /api/conversations/{id}.
func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	var req conversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.history.Rename(r.Context(), id, req.Name); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	c, err := s.history.Get(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleDeleteConversation handles DELETE /api/conversations/{id}. The
// conversation's messages are deleted with it.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	id, ok := conversationID(w, r)
	if !ok {
		return
	}
	if err := s.history.Delete(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAllConversations handles DELETE /api/conversations.
func (s *Server) handleDeleteAllConversations(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	if err := s.history.DeleteAll(r.Context()); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("history: all conversations deleted")
	w.WriteHeader(http.StatusNoContent)
}
