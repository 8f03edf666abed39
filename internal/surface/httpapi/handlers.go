package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatrelay/internal/delivery"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"
)

// maxBodyBytes bounds request bodies; chat messages are small.
const maxBodyBytes = 64 << 10

type chatRequest struct {
	Message string `json:"message"`
	// ConversationID is accepted for wire symmetry with the relay payload
	// but ignored: the relay's own session is authoritative and comes back
	// in the response.
	ConversationID string `json:"conversation_id"`
}

type chatResponse struct {
	Response       string          `json:"response"`
	ConversationID string          `json:"conversation_id"`
	Offline        bool            `json:"offline"`
	ModelInfo      json.RawMessage `json:"model_info,omitempty"`
	ModelsUsed     json.RawMessage `json:"models_used,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var payload chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rep, err := s.ev.SendRequested(r.Context(), payload.Message)
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrEmptyInput):
		respondError(w, http.StatusBadRequest, "empty message")
		return
	default:
		// Context cancellation: the client went away or we are shutting down.
		respondError(w, http.StatusServiceUnavailable, "request aborted")
		return
	}

	respondJSON(w, http.StatusOK, chatResponse{
		Response:       rep.Text,
		ConversationID: rep.ConversationID,
		Offline:        rep.Offline,
		ModelInfo:      rep.ModelInfo,
		ModelsUsed:     rep.ModelsUsed,
	})
}

type historyResponse struct {
	ConversationID string            `json:"conversation_id"`
	Messages       []storage.Message `json:"messages"`
}

// handleHistory serves the persisted backlog so the widget can render what
// was said while endpoints were down.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondError(w, http.StatusServiceUnavailable, "storage disabled")
		return
	}
	conv := chi.URLParam(r, "conversationID")

	msgs, err := s.store.Messages(r.Context(), conv)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Warn("history read failed", logx.String("conversation", conv), logx.Err(err))
		respondError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if len(msgs) == 0 {
		respondError(w, http.StatusNotFound, "no messages for conversation")
		return
	}
	respondJSON(w, http.StatusOK, historyResponse{ConversationID: conv, Messages: msgs})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.status())
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
