package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/middleware"
	"github.com/socialchat/internal/repository"
	"github.com/socialchat/internal/ws"
)

type MessageHandler struct {
	channels Channels
}

func NewMessageHandler(channels Channels) *MessageHandler {
	return &MessageHandler{channels: channels}
}

type seenRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type seenResponse struct {
	Updated int64 `json:"updated"`
}

// MarkSeen handles POST /api/conversations/{conversationId}/seen, the REST
// form of the seen event for clients without an open socket.
func (h *MessageHandler) MarkSeen(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	conversationID := chi.URLParam(r, "conversationId")
	if _, err := uuid.Parse(conversationID); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	var req seenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(req.MessageIDs) == 0 || len(req.MessageIDs) > ws.MaxSeenBatch {
		writeError(w, http.StatusBadRequest, "message_ids must hold 1 to 500 ids")
		return
	}
	for _, id := range req.MessageIDs {
		if _, err := uuid.Parse(id); err != nil {
			writeError(w, http.StatusBadRequest, "message_ids must be ids")
			return
		}
	}

	if err := h.channels.Authorize(r.Context(), conversationID, userID); err != nil {
		if errors.Is(err, repository.ErrNotParticipant) {
			writeError(w, http.StatusForbidden, "not a participant")
			return
		}
		logger.Errorf("seen authorize conversation=%s user=%s: %v", conversationID, userID, err)
		writeError(w, http.StatusInternalServerError, "an error occurred")
		return
	}

	n, err := h.channels.MarkSeen(r.Context(), conversationID, userID, req.MessageIDs)
	if err != nil {
		logger.Errorf("seen conversation=%s user=%s: %v", conversationID, userID, err)
		writeError(w, http.StatusInternalServerError, "an error occurred")
		return
	}
	writeJSON(w, http.StatusOK, seenResponse{Updated: n})
}
