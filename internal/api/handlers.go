package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Alexgub84/hands-and-fire-chat-be/internal/models"
)

// conversationView is the inspection payload for one conversation.
type conversationView struct {
	ConversationID string            `json:"conversation_id"`
	Turns          []models.ChatTurn `json:"turns"`
	TokenCount     int               `json:"token_count"`
	Session        *sessionView      `json:"session,omitempty"`
}

type sessionView struct {
	StartTime       time.Time `json:"start_time"`
	LastActivity    time.Time `json:"last_activity"`
	ExpiresInMillis int64     `json:"expires_in_ms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("conversation id is required"))
		return
	}

	turns, ok := s.histories.Peek(conversationID)
	if !ok {
		writeJSON(w, http.StatusNotFound, models.Error("conversation not found"))
		return
	}
	view := conversationView{
		ConversationID: conversationID,
		Turns:          turns,
		TokenCount:     s.histories.CountTokens(turns),
	}
	if start, ok := s.sessions.StartTime(conversationID); ok {
		last, _ := s.sessions.LastActivity(conversationID)
		remaining, _ := s.sessions.TimeUntilExpirationMillis(conversationID)
		view.Session = &sessionView{StartTime: start, LastActivity: last, ExpiresInMillis: remaining}
	}
	writeJSON(w, http.StatusOK, models.Success(view))
}

func (s *Server) handleResetConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if conversationID == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("conversation id is required"))
		return
	}

	s.histories.Reset(conversationID)
	s.sessions.Reset(conversationID)
	slog.Info("Server.handleResetConversation: conversation reset", "conversationID", conversationID)
	writeJSON(w, http.StatusOK, models.Success(nil))
}

// writeJSON writes a JSON response envelope with the given status code.
func writeJSON(w http.ResponseWriter, status int, body models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("api.writeJSON: encode failed", "error", err)
	}
}
