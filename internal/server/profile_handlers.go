package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/harbor/internal/storage"
	"github.com/MarcoPoloResearchLab/harbor/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	profilePicturePrefix = "profile_pictures/"
	mediaRoutePrefix     = "/media/"
	photoFormField       = "photo"
)

type profilePayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

type profileRequest struct {
	DisplayName *string `json:"display_name"`
	PhotoURL    *string `json:"photo_url"`
}

func newProfilePayload(profile users.Profile) profilePayload {
	return profilePayload{
		UserID:      profile.UserID,
		DisplayName: profile.DisplayName,
		PhotoURL:    profile.PhotoURL,
	}
}

func (h *httpHandler) handleProfileGet(c *gin.Context) {
	profile, _, err := h.users.GetProfile(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.respondServiceError(c, "failed to load profile", err)
		return
	}
	c.JSON(http.StatusOK, newProfilePayload(profile))
}

func (h *httpHandler) handleProfileSave(c *gin.Context) {
	var request profileRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.saveProfile(c, http.StatusOK, users.ProfileUpdate{
		DisplayName: request.DisplayName,
		PhotoURL:    request.PhotoURL,
	})
}

func (h *httpHandler) saveProfile(c *gin.Context, status int, update users.ProfileUpdate) {
	profile, err := h.users.SaveProfile(c.Request.Context(), currentUserID(c), update)
	if errors.Is(err, users.ErrProfileFieldTooLong) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "field_too_long"})
		return
	}
	if err != nil {
		h.respondServiceError(c, "failed to save profile", err)
		return
	}
	c.JSON(status, newProfilePayload(profile))
}

func (h *httpHandler) handleProfilePhoto(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+(1<<20))
	fileHeader, err := c.FormFile(photoFormField)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_photo"})
		return
	}
	if fileHeader.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "photo_too_large"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_photo"})
		return
	}
	defer file.Close()

	sniff := make([]byte, 512)
	read, err := io.ReadFull(file, sniff)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_photo"})
		return
	}
	contentType := http.DetectContentType(sniff[:read])
	if !strings.HasPrefix(contentType, "image/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported_media_type"})
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		h.respondServiceError(c, "failed to rewind upload", err)
		return
	}

	userID := currentUserID(c)
	key := profilePicturePrefix + userID
	if _, err := h.media.Put(c.Request.Context(), key, file, contentType); err != nil {
		if errors.Is(err, storage.ErrObjectTooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "photo_too_large"})
			return
		}
		h.respondServiceError(c, "failed to store profile photo", err)
		return
	}
	h.logger.Info("profile photo stored", zap.String("user_id", userID))

	photoURL := mediaRoutePrefix + key
	h.saveProfile(c, http.StatusCreated, users.ProfileUpdate{PhotoURL: &photoURL})
}

func (h *httpHandler) handleMedia(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	object, err := h.media.Open(c.Request.Context(), key)
	switch {
	case errors.Is(err, storage.ErrInvalidKey), errors.Is(err, storage.ErrObjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	case err != nil:
		h.respondServiceError(c, "failed to open media", err)
		return
	}
	defer object.Body.Close()
	c.Header("Cache-Control", "public, max-age=300")
	c.DataFromReader(http.StatusOK, object.Size, object.ContentType, object.Body, nil)
}
