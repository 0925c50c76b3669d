package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/harbor/internal/calendar"
	"github.com/MarcoPoloResearchLab/harbor/internal/events"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxImportBytes = 4 << 20

type eventPayload struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	DisplayDate string `json:"display_date"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	MapURL      string `json:"map_url,omitempty"`
	Source      string `json:"source"`
}

type eventRequest struct {
	Date        string `json:"date"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

func (r eventRequest) input() events.Input {
	return events.Input{
		Date:        r.Date,
		Title:       r.Title,
		Description: r.Description,
		Location:    r.Location,
	}
}

func newEventPayload(event events.Event) eventPayload {
	return eventPayload{
		ID:          event.EventID,
		Date:        event.Date,
		DisplayDate: events.FormatDisplayDate(event.Date),
		Title:       event.Title,
		Description: event.Description,
		Location:    event.Location,
		MapURL:      event.MapURL(),
		Source:      event.Source,
	}
}

func newEventsPayload(stored []events.Event) []eventPayload {
	payload := make([]eventPayload, 0, len(stored))
	for _, event := range stored {
		payload = append(payload, newEventPayload(event))
	}
	return payload
}

func newSnapshotPayload(snapshot []calendar.SharedEvent) []eventPayload {
	payload := make([]eventPayload, 0, len(snapshot))
	for _, shared := range snapshot {
		payload = append(payload, eventPayload{
			ID:          shared.ID,
			Date:        shared.Date,
			DisplayDate: events.FormatDisplayDate(shared.Date),
			Title:       shared.Title,
			Description: shared.Description,
			Location:    shared.Location,
			MapURL:      events.MapURL(shared.Location),
		})
	}
	return payload
}

// respondEventError maps validation failures to 4xx and everything else to 500.
func (h *httpHandler) respondEventError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calendar.ErrInvalidDate):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
	case errors.Is(err, events.ErrMissingTitle):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_title"})
	case errors.Is(err, events.ErrFieldTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "field_too_long"})
	case errors.Is(err, events.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, events.ErrEmptyCalendar), errors.Is(err, events.ErrInvalidCalendar), errors.Is(err, events.ErrInvalidSource):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_calendar"})
	default:
		h.respondServiceError(c, "events request failed", err)
	}
}

func (h *httpHandler) handleEventsList(c *gin.Context) {
	stored, err := h.events.List(c.Request.Context())
	if err != nil {
		h.respondEventError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": newEventsPayload(stored)})
}

func (h *httpHandler) handleEventsUpcoming(c *gin.Context) {
	stored, err := h.events.ListUpcoming(c.Request.Context(), h.today())
	if err != nil {
		h.respondEventError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": newEventsPayload(stored)})
}

func (h *httpHandler) handleEventCreate(c *gin.Context) {
	var request eventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.events.Create(c.Request.Context(), request.input())
	if err != nil {
		h.respondEventError(c, err)
		return
	}
	h.logger.Info("shared event created",
		zap.String("event_id", created.EventID),
		zap.String("user_id", currentUserID(c)))
	c.JSON(http.StatusCreated, newEventPayload(created))
}

func (h *httpHandler) handleEventUpdate(c *gin.Context) {
	var request eventRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.events.Update(c.Request.Context(), c.Param("id"), request.input())
	if err != nil {
		h.respondEventError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEventPayload(updated))
}

func (h *httpHandler) handleEventDelete(c *gin.Context) {
	if err := h.events.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.respondEventError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleEventsImport(c *gin.Context) {
	source := strings.TrimSpace(c.Query("source"))
	if source == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_source"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if len(body) > maxImportBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
		return
	}
	result, err := h.events.ImportICS(c.Request.Context(), source, body)
	if err != nil {
		h.respondEventError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"created": result.Created,
		"updated": result.Updated,
		"removed": result.Removed,
		"skipped": result.Skipped,
	})
}

func (h *httpHandler) handleEventsStream(c *gin.Context) {
	snapshots, release := h.events.Subscribe(c.Request.Context())
	defer release()
	serveStream(c, h.heartbeat, nil, snapshots, func(snapshot []calendar.SharedEvent) (streamFrame, bool) {
		return streamFrame{event: eventEventsSnapshot, payload: gin.H{"events": newSnapshotPayload(snapshot)}}, true
	})
}
