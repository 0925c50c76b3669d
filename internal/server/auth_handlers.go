package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/harbor/internal/auth"
	"github.com/MarcoPoloResearchLab/harbor/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type phoneStartRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type phoneVerifyRequest struct {
	VerificationID string `json:"verification_id"`
	Code           string `json:"code"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handlePhoneStart(c *gin.Context) {
	var request phoneStartRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.PhoneNumber) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	verificationID, err := h.phone.Start(c.Request.Context(), request.PhoneNumber)
	if errors.Is(err, auth.ErrInvalidPhoneNumber) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_phone_number"})
		return
	}
	if err != nil {
		h.respondServiceError(c, "phone verification start failed", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"verification_id": verificationID})
}

func (h *httpHandler) handlePhoneVerify(c *gin.Context) {
	var request phoneVerifyRequest
	if err := c.ShouldBindJSON(&request); err != nil ||
		strings.TrimSpace(request.VerificationID) == "" || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	phoneNumber, err := h.phone.Confirm(c.Request.Context(), request.VerificationID, request.Code)
	switch {
	case errors.Is(err, auth.ErrVerificationNotFound), errors.Is(err, auth.ErrVerificationExpired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "verification_expired"})
		return
	case errors.Is(err, auth.ErrInvalidCode):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_code"})
		return
	case errors.Is(err, auth.ErrTooManyAttempts):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts"})
		return
	case err != nil:
		h.respondServiceError(c, "phone verification failed", err)
		return
	}

	userID, err := h.users.ResolveUserID(c.Request.Context(), users.ProviderPhone, phoneNumber)
	if err != nil {
		h.respondServiceError(c, "failed to resolve user identity", err)
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}
