package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"linkops/internal/generation"
	"linkops/internal/logging"
	"linkops/internal/observability"
	"linkops/internal/server/app"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 30 * time.Second

// SSEHandler streams session events over Server-Sent Events.
type SSEHandler struct {
	broadcaster *app.EventBroadcaster
	tracer      *observability.TracerProvider
	logger      logging.Logger
}

// NewSSEHandler creates the SSE handler. tracer may be nil.
func NewSSEHandler(broadcaster *app.EventBroadcaster, tracer *observability.TracerProvider) *SSEHandler {
	return &SSEHandler{
		broadcaster: broadcaster,
		tracer:      tracer,
		logger:      logging.NewComponentLogger("SSEHandler"),
	}
}

// HandleStream handles GET /api/generations/:session_id/stream. History is
// replayed first so a client attaching mid-run sees every event it missed;
// delivery stays at-least-once and clients dedupe sub-results by ordinal.
func (h *SSEHandler) HandleStream(c *gin.Context) {
	sessionID := c.Param("session_id")

	if h.tracer != nil {
		_, span := h.tracer.StartSpan(c.Request.Context(), observability.SpanSSEConnection,
			attribute.String(observability.AttrSessionID, sessionID))
		defer span.End()
	}

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	h.logger.Info("SSE connection established for session %s", sessionID)

	clientChan := app.NewClientChannel()
	history := h.broadcaster.RegisterClient(sessionID, clientChan)
	defer h.broadcaster.UnregisterClient(sessionID, clientChan)

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"session_id\":%q}\n\n", sessionID); err != nil {
		h.logger.Error("Failed to send connection message: %v", err)
		return
	}
	flusher.Flush()

	for _, event := range history {
		if err := writeSSEEvent(w, event); err != nil {
			h.logger.Error("Failed to replay event: %v", err)
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-clientChan:
			if err := writeSSEEvent(w, event); err != nil {
				h.logger.Error("Failed to send SSE message: %v", err)
				return
			}
			flusher.Flush()

		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				h.logger.Error("Failed to send heartbeat: %v", err)
				return
			}
			flusher.Flush()

		case <-c.Request.Context().Done():
			h.logger.Info("SSE connection closed for session %s", sessionID)
			return
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event generation.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}
