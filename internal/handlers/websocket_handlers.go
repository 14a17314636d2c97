package handlers

import (
	"net/http"

	"chatsync/internal/auth"
	ws "chatsync/internal/websocket"
	"chatsync/pkg/logger"

	"github.com/gorilla/websocket"
)

type WebSocketHandlers struct {
	authService *auth.Service
	gateway     *ws.Gateway
	upgrader    websocket.Upgrader
}

func NewWebSocketHandlers(authService *auth.Service, gateway *ws.Gateway) *WebSocketHandlers {
	return &WebSocketHandlers{
		authService: authService,
		gateway:     gateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // Configure for production
		},
	}
}

// HandleWebSocket authenticates before upgrading, so no event is ever
// accepted from an anonymous connection.
func (h *WebSocketHandlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, _, err := h.authService.UserFromRequest(r)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// Upgrade connection to WebSocket
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Upgrade error: %v", err)
		return
	}

	client := h.gateway.Serve(conn, user)
	logger.Debug("WebSocket connection %s opened for user %s", client.ID(), user.ID)
}
