package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/socialchat/internal/logger"
	"github.com/socialchat/internal/middleware"
	"github.com/socialchat/internal/repository"
)

// Channels is the part of ws.Hub the HTTP layer drives.
type Channels interface {
	Authorize(ctx context.Context, conversationID, userID string) error
	Full() bool
	Connect(conn *websocket.Conn, userID, conversationID string) error
	MarkSeen(ctx context.Context, conversationID, userID string, messageIDs []string) (int64, error)
}

type WSHandler struct {
	channels Channels
	origins  []string
	upgrader websocket.Upgrader
}

// NewWSHandler serves conversation channels. An empty origins list accepts any origin.
func NewWSHandler(channels Channels, origins []string) *WSHandler {
	h := &WSHandler{channels: channels, origins: origins}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	if len(h.origins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range h.origins {
		if o == origin {
			return true
		}
	}
	return false
}

// ServeWS upgrades GET /ws/conversations/{conversationId}. Identity and
// membership are settled before the upgrade so refusals are plain HTTP.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conversationID := chi.URLParam(r, "conversationId")
	if _, err := uuid.Parse(conversationID); err != nil {
		writeError(w, http.StatusForbidden, "not a participant")
		return
	}
	if !h.checkOrigin(r) {
		writeError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	if err := h.channels.Authorize(r.Context(), conversationID, userID); err != nil {
		if errors.Is(err, repository.ErrNotParticipant) {
			writeError(w, http.StatusForbidden, "not a participant")
			return
		}
		logger.Errorf("ws authorize conversation=%s user=%s: %v", conversationID, userID, err)
		writeError(w, http.StatusInternalServerError, "an error occurred")
		return
	}
	if h.channels.Full() {
		writeError(w, http.StatusServiceUnavailable, "too many connections")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		logger.Errorf("ws upgrade conversation=%s user=%s: %v", conversationID, userID, err)
		return
	}
	if err := h.channels.Connect(conn, userID, conversationID); err != nil {
		logger.Errorf("ws connect conversation=%s user=%s: %v", conversationID, userID, err)
	}
}
