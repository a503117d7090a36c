package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleEventStream pushes reconciliation events to the caller over SSE
// until the client disconnects.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, actor.ID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	h.logger.Debug("event stream opened", zap.String("actor_id", actor.ID))
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, open := <-messages:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, message)
			return true
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": now.UTC()})
			return true
		}
	})
	h.logger.Debug("event stream closed", zap.String("actor_id", actor.ID))
}
