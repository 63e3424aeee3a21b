// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SessionAcceptor upgrades a request into a worker session.
type SessionAcceptor interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

// WebSocketHandler handles worker WebSocket connections.
type WebSocketHandler struct {
	acceptor SessionAcceptor
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(acceptor SessionAcceptor) *WebSocketHandler {
	return &WebSocketHandler{acceptor: acceptor}
}

// Attach handles GET /ws - opens a worker session. The worker announces itself
// afterwards with an instance-launched event.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if !c.IsWebsocket() {
		sendError(c, http.StatusBadRequest, "UPGRADE_REQUIRED", "WebSocket upgrade required")
		return
	}
	h.acceptor.ServeHTTP(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket route.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Attach)
}
