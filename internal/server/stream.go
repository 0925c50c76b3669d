package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	eventHeartbeat       = "heartbeat"
	eventCalendarChanged = "calendar-change"
	eventEventsSnapshot  = "events-snapshot"
	eventMuralChanged    = "mural-change"
	streamSource         = "harbor-api"
)

type streamFrame struct {
	event   string
	payload any
}

// serveStream writes server-sent events until the client disconnects or the
// updates channel closes. initial, when set, is written before any update.
func serveStream[T any](c *gin.Context, heartbeat time.Duration, initial *streamFrame, updates <-chan T, render func(T) (streamFrame, bool)) {
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if initial != nil {
		c.SSEvent(initial.event, initial.payload)
	}
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case at := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"source": streamSource, "at": at.UTC().Unix()})
			c.Writer.Flush()
		case update, ok := <-updates:
			if !ok {
				return
			}
			frame, send := render(update)
			if !send {
				continue
			}
			c.SSEvent(frame.event, frame.payload)
			c.Writer.Flush()
		}
	}
}
