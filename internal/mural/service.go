package mural

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/harbor/internal/apperr"
	"github.com/MarcoPoloResearchLab/harbor/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Topic is the realtime topic carrying wall change notices.
const Topic = "mural"

const (
	// DefaultListLimit bounds List when no limit is requested.
	DefaultListLimit = 50
	// MaxListLimit caps the number of posts returned by List.
	MaxListLimit = 200
)

// IDProvider issues identifiers for new posts.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the wall service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Dispatcher *realtime.Dispatcher[ChangeNotice]
}

// Service stores wall posts and notifies listeners of new ones.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	dispatcher *realtime.Dispatcher[ChangeNotice]
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New("mural.service.new", "missing_database", errors.New("database handle is required"))
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New("mural.service.new", "missing_id_provider", errors.New("id provider is required"))
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = realtime.NewDispatcher[ChangeNotice](0)
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		dispatcher: dispatcher,
	}, nil
}

// Post stores a new message stamped with the server time.
func (s *Service) Post(ctx context.Context, author Author, text string) (Message, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Message{}, ErrEmptyMessage
	}
	if utf8.RuneCountInString(trimmed) > maxMessageLength {
		return Message{}, ErrMessageTooLong
	}
	userID := strings.TrimSpace(author.UserID)
	if userID == "" {
		return Message{}, ErrMissingAuthor
	}
	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logger.Error("mural id generation failed", zap.Error(err))
		return Message{}, apperr.New("mural.post", "id_generation_failed", err)
	}
	message := Message{
		MessageID:        messageID,
		Text:             trimmed,
		UserID:           userID,
		UserName:         author.name(),
		UserPhotoURL:     strings.TrimSpace(author.PhotoURL),
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logger.Error("mural post failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return Message{}, apperr.New("mural.post", "insert_failed", err)
	}
	s.dispatcher.Publish(Topic, ChangeNotice{MessageID: message.MessageID, At: message.CreatedAtSeconds})
	return message, nil
}

// List returns up to limit messages, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	var messages []Message
	if err := s.db.WithContext(ctx).
		Order("created_at_s DESC, message_id DESC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		s.logger.Error("mural list failed", zap.Error(err))
		return nil, apperr.New("mural.list", "query_failed", err)
	}
	return messages, nil
}

// Subscribe streams change notices until ctx ends or release is called.
func (s *Service) Subscribe(ctx context.Context) (<-chan ChangeNotice, func()) {
	return s.dispatcher.Subscribe(ctx, Topic)
}
