package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/harbor/internal/mural"
	"github.com/gin-gonic/gin"
)

type muralPostRequest struct {
	Text string `json:"text"`
}

func (h *httpHandler) handleMuralList(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	messages, err := h.mural.List(c.Request.Context(), limit)
	if err != nil {
		h.respondServiceError(c, "failed to list mural messages", err)
		return
	}
	readerID := currentUserID(c)
	views := make([]mural.View, 0, len(messages))
	for _, message := range messages {
		views = append(views, message.ViewFor(readerID))
	}
	c.JSON(http.StatusOK, gin.H{"messages": views})
}

func (h *httpHandler) handleMuralPost(c *gin.Context) {
	var request muralPostRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := currentUserID(c)
	profile, _, err := h.users.GetProfile(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, "failed to load author profile", err)
		return
	}
	message, err := h.mural.Post(c.Request.Context(), mural.Author{
		UserID:      userID,
		DisplayName: profile.DisplayName,
		PhotoURL:    profile.PhotoURL,
	}, request.Text)
	switch {
	case errors.Is(err, mural.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_message"})
		return
	case errors.Is(err, mural.ErrMessageTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message_too_long"})
		return
	case err != nil:
		h.respondServiceError(c, "failed to post mural message", err)
		return
	}
	c.JSON(http.StatusCreated, message.ViewFor(userID))
}

func (h *httpHandler) handleMuralStream(c *gin.Context) {
	notices, release := h.mural.Subscribe(c.Request.Context())
	defer release()
	serveStream(c, h.heartbeat, nil, notices, func(notice mural.ChangeNotice) (streamFrame, bool) {
		return streamFrame{event: eventMuralChanged, payload: notice}, true
	})
}
