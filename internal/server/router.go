package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/harbor/internal/apperr"
	"github.com/MarcoPoloResearchLab/harbor/internal/auth"
	"github.com/MarcoPoloResearchLab/harbor/internal/calendar"
	"github.com/MarcoPoloResearchLab/harbor/internal/events"
	"github.com/MarcoPoloResearchLab/harbor/internal/mural"
	"github.com/MarcoPoloResearchLab/harbor/internal/resources"
	"github.com/MarcoPoloResearchLab/harbor/internal/storage"
	"github.com/MarcoPoloResearchLab/harbor/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "harbor_user_id"
	accessTokenQueryKey      = "access_token"
	defaultHeartbeatInterval = 25 * time.Second
	defaultMaxUploadBytes    = 5 << 20
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingPhoneVerifier = errors.New("phone verifier dependency required")
	errMissingUserDirectory = errors.New("user directory dependency required")
	errMissingCalendar      = errors.New("calendar registry dependency required")
	errMissingEvents        = errors.New("events service dependency required")
	errMissingMural         = errors.New("mural service dependency required")
	errMissingResources     = errors.New("resource catalog dependency required")
	errMissingMedia         = errors.New("media store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates API access tokens.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// PhoneVerifier runs the SMS code login.
type PhoneVerifier interface {
	Start(ctx context.Context, phoneNumber string) (string, error)
	Confirm(ctx context.Context, verificationID, code string) (string, error)
}

// UserDirectory resolves logins to user ids and stores profiles.
type UserDirectory interface {
	ResolveUserID(ctx context.Context, provider, subject string) (string, error)
	GetProfile(ctx context.Context, userID string) (users.Profile, bool, error)
	SaveProfile(ctx context.Context, userID string, update users.ProfileUpdate) (users.Profile, error)
}

// Dependencies lists everything the HTTP layer serves. AdminUserIDs may
// create, edit, delete and import shared events.
type Dependencies struct {
	TokenManager      TokenManager
	PhoneVerifier     PhoneVerifier
	Users             UserDirectory
	Calendar          *calendar.SessionRegistry
	Events            *events.Service
	Mural             *mural.Service
	Resources         *resources.Catalog
	Media             *storage.BlobStore
	AllowedOrigins    []string
	AdminUserIDs      []string
	HeartbeatInterval time.Duration
	MaxUploadBytes    int64
	Location          *time.Location
	Clock             func() time.Time
	Logger            *zap.Logger
}

// NewHTTPHandler wires the API routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.TokenManager == nil:
		return nil, errMissingTokenManager
	case deps.PhoneVerifier == nil:
		return nil, errMissingPhoneVerifier
	case deps.Users == nil:
		return nil, errMissingUserDirectory
	case deps.Calendar == nil:
		return nil, errMissingCalendar
	case deps.Events == nil:
		return nil, errMissingEvents
	case deps.Mural == nil:
		return nil, errMissingMural
	case deps.Resources == nil:
		return nil, errMissingResources
	case deps.Media == nil:
		return nil, errMissingMedia
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	location := deps.Location
	if location == nil {
		location = time.UTC
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	admins := make(map[string]struct{}, len(deps.AdminUserIDs))
	for _, userID := range deps.AdminUserIDs {
		if trimmed := strings.TrimSpace(userID); trimmed != "" {
			admins[trimmed] = struct{}{}
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		tokens:         deps.TokenManager,
		phone:          deps.PhoneVerifier,
		users:          deps.Users,
		calendar:       deps.Calendar,
		events:         deps.Events,
		mural:          deps.Mural,
		resources:      deps.Resources,
		media:          deps.Media,
		admins:         admins,
		heartbeat:      heartbeat,
		maxUploadBytes: maxUpload,
		location:       location,
		clock:          clock,
		logger:         logger,
	}

	router.POST("/auth/phone/start", handler.handlePhoneStart)
	router.POST("/auth/phone/verify", handler.handlePhoneVerify)
	router.GET("/resources", handler.handleResources)
	router.GET("/media/*key", handler.handleMedia)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/calendar", handler.handleCalendarView)
	protected.PUT("/calendar/selection", handler.handleCalendarSelect)
	protected.POST("/calendar/reminders", handler.handleReminderAdd)
	protected.DELETE("/calendar/reminders/:id", handler.handleReminderDelete)
	protected.GET("/calendar/stream", handler.handleCalendarStream)

	protected.GET("/events", handler.handleEventsList)
	protected.GET("/events/upcoming", handler.handleEventsUpcoming)
	protected.POST("/events", handler.requireAdmin, handler.handleEventCreate)
	protected.PUT("/events/:id", handler.requireAdmin, handler.handleEventUpdate)
	protected.DELETE("/events/:id", handler.requireAdmin, handler.handleEventDelete)
	protected.POST("/events/import", handler.requireAdmin, handler.handleEventsImport)
	protected.GET("/events/stream", handler.handleEventsStream)

	protected.GET("/mural", handler.handleMuralList)
	protected.POST("/mural", handler.handleMuralPost)
	protected.GET("/mural/stream", handler.handleMuralStream)

	protected.GET("/profile", handler.handleProfileGet)
	protected.PUT("/profile", handler.handleProfileSave)
	protected.POST("/profile/photo", handler.handleProfilePhoto)

	return router, nil
}

type httpHandler struct {
	tokens         TokenManager
	phone          PhoneVerifier
	users          UserDirectory
	calendar       *calendar.SessionRegistry
	events         *events.Service
	mural          *mural.Service
	resources      *resources.Catalog
	media          *storage.BlobStore
	admins         map[string]struct{}
	heartbeat      time.Duration
	maxUploadBytes int64
	location       *time.Location
	clock          func() time.Time
	logger         *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	allowed := make([]string, 0, len(origins))
	for _, origin := range origins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" && trimmed != "*" {
			allowed = append(allowed, trimmed)
		}
	}
	if len(allowed) == 0 {
		// Credentials forbid a literal "*", so every origin is echoed back instead.
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowed
	}
	return cors.New(config)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// requireAdmin lets only configured administrators through.
func (h *httpHandler) requireAdmin(c *gin.Context) {
	userID := currentUserID(c)
	if _, ok := h.admins[userID]; !ok {
		h.logger.Info("event write refused", zap.String("user_id", userID), zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

// bearerToken reads the Authorization header, or the access_token query
// parameter on GET requests since EventSource cannot set headers.
func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		return token, token != ""
	}
	if c.Request.Method == http.MethodGet {
		token := strings.TrimSpace(c.Query(accessTokenQueryKey))
		return token, token != ""
	}
	return "", false
}

func (h *httpHandler) handleResources(c *gin.Context) {
	entries := h.resources.All()
	payload := make([]resourcePayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, resourcePayload{
			ID:          entry.ID,
			Title:       entry.Title,
			Description: entry.Description,
			Kind:        string(entry.Kind),
			Link:        entry.Link(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"resources": payload})
}

type resourcePayload struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Kind        string `json:"kind"`
	Link        string `json:"link"`
}

func (h *httpHandler) today() calendar.Date {
	return calendar.DateOf(h.clock(), h.location)
}

// respondServiceError maps storage failures to a 500 carrying the service code.
func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	body := gin.H{"error": "internal_error"}
	if code, ok := apperr.CodeOf(err); ok {
		body["code"] = code
	}
	c.JSON(http.StatusInternalServerError, body)
}

func currentUserID(c *gin.Context) string {
	return c.GetString(userIDContextKey)
}
