package server

import (
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
	"github.com/gin-gonic/gin"
)

const (
	streamEventGet       = "get"
	streamEventHeartbeat = "heartbeat"
)

// streamAnnouncements relays a guild's accepted gets as server-sent events until the client leaves.
func (h *httpHandler) streamAnnouncements(c *gin.Context, guildID snowflake.ID) {
	ctx := c.Request.Context()
	announcements, unsubscribe := h.announcer.Subscribe(ctx, guildID)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.SSEvent(streamEventHeartbeat, gin.H{"at": time.Now().UTC()})
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case announcement, ok := <-announcements:
			if !ok {
				return false
			}
			c.SSEvent(streamEventGet, newAnnouncementPayload(announcement))
			return true
		case at := <-ticker.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"at": at.UTC()})
			return true
		}
	})
}
