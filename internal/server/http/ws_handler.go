package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"linkops/internal/async"
	"linkops/internal/logging"
	"linkops/internal/server/app"
)

const wsWriteTimeout = 10 * time.Second

// WSHandler streams session events over a WebSocket, for dashboard clients
// that prefer a bidirectional channel over SSE.
type WSHandler struct {
	broadcaster *app.EventBroadcaster
	upgrader    websocket.Upgrader
	logger      logging.Logger
}

// NewWSHandler creates the WebSocket handler.
func NewWSHandler(broadcaster *app.EventBroadcaster) *WSHandler {
	return &WSHandler{
		broadcaster: broadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The dashboard fronts this service behind its own origin
				// checks; tighten here when exposed directly.
				return true
			},
		},
		logger: logging.NewComponentLogger("WSHandler"),
	}
}

// HandleSocket handles GET /api/generations/:session_id/ws.
func (h *WSHandler) HandleSocket(c *gin.Context) {
	sessionID := c.Param("session_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed for session %s: %v", sessionID, err)
		return
	}
	h.logger.Info("WebSocket connection established for session %s", sessionID)

	clientChan := app.NewClientChannel()
	history := h.broadcaster.RegisterClient(sessionID, clientChan)

	closed := make(chan struct{})

	// Reader goroutine: the client sends nothing meaningful, but the read
	// loop is how close frames and dead peers are detected.
	async.Go(h.logger, "ws.read", func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	defer func() {
		h.broadcaster.UnregisterClient(sessionID, clientChan)
		if err := conn.Close(); err != nil {
			h.logger.Warn("Failed to close WebSocket for session %s: %v", sessionID, err)
		}
		h.logger.Info("WebSocket connection closed for session %s", sessionID)
	}()

	for _, event := range history {
		if err := h.writeEvent(conn, event); err != nil {
			h.logger.Error("Failed to replay event over WebSocket: %v", err)
			return
		}
	}

	for {
		select {
		case event := <-clientChan:
			if err := h.writeEvent(conn, event); err != nil {
				h.logger.Error("Failed to send WebSocket message: %v", err)
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *WSHandler) writeEvent(conn *websocket.Conn, event any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}
