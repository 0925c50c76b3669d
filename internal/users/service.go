package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/harbor/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxDisplayNameLength = 120
	maxPhotoURLLength    = 512

	opResolve     = "users.resolve"
	opGetProfile  = "users.get_profile"
	opSaveProfile = "users.save_profile"
)

var (
	// ErrInvalidIdentity indicates a login without a usable provider or subject.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrInvalidUserID indicates a blank user identifier.
	ErrInvalidUserID = errors.New("users: invalid user id")
	// ErrProfileFieldTooLong indicates a profile field beyond its storage bound.
	ErrProfileFieldTooLong = errors.New("users: profile field too long")
)

// IDProvider issues canonical user identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required for identities and profiles.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service manages canonical user identifiers, provider logins and profiles.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	cache      sync.Map
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ResolveUserID returns the canonical user id for a provider login, creating
// the identity with a fresh id on first sight.
func (s *Service) ResolveUserID(ctx context.Context, provider, subject string) (string, error) {
	provider = normalize(provider)
	subject = normalize(subject)
	if provider == "" || subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cached.(string); ok {
			return userID, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		userID, idErr := s.idProvider.NewID()
		if idErr != nil {
			return "", apperr.New(opResolve, "id_generation_failed", idErr)
		}
		identity = Identity{
			Provider:   provider,
			Subject:    subject,
			UserID:     userID,
			LastSeenAt: s.now(),
		}
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&identity).Error; err != nil {
			return "", apperr.New(opResolve, "insert_failed", err)
		}
		// A concurrent login may have won the insert; reread the stored mapping.
		if err := s.db.WithContext(ctx).
			Where("provider = ? AND subject = ?", provider, subject).
			First(&identity).Error; err != nil {
			return "", apperr.New(opResolve, "query_failed", err)
		}
		s.logger.Info("user identity created",
			zap.String("provider", provider),
			zap.String("user_id", identity.UserID))
	case err != nil:
		return "", apperr.New(opResolve, "query_failed", err)
	default:
		updateErr := s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Update("last_seen_at", s.now()).
			Error
		if updateErr != nil {
			s.logger.Warn("identity last seen update failed",
				zap.String("user_id", identity.UserID),
				zap.Error(updateErr))
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// GetProfile returns the stored profile. A missing profile yields a zero
// profile for the user and found=false.
func (s *Service) GetProfile(ctx context.Context, userID string) (Profile, bool, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, false, ErrInvalidUserID
	}
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{UserID: userID}, false, nil
	}
	if err != nil {
		return Profile{}, false, apperr.New(opGetProfile, "query_failed", err)
	}
	return profile, true, nil
}

// SaveProfile merges the supplied fields into the stored profile.
func (s *Service) SaveProfile(ctx context.Context, userID string, update ProfileUpdate) (Profile, error) {
	userID = normalize(userID)
	if userID == "" {
		return Profile{}, ErrInvalidUserID
	}
	var saved Profile
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var profile Profile
		err := tx.Where("user_id = ?", userID).Take(&profile).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			profile = Profile{UserID: userID}
		} else if err != nil {
			return apperr.New(opSaveProfile, "query_failed", err)
		}

		if update.DisplayName != nil {
			name := normalize(*update.DisplayName)
			if utf8.RuneCountInString(name) > maxDisplayNameLength {
				return fmt.Errorf("%w: display name exceeds %d characters", ErrProfileFieldTooLong, maxDisplayNameLength)
			}
			profile.DisplayName = name
		}
		if update.PhotoURL != nil {
			photoURL := normalize(*update.PhotoURL)
			if len(photoURL) > maxPhotoURLLength {
				return fmt.Errorf("%w: photo url exceeds %d characters", ErrProfileFieldTooLong, maxPhotoURLLength)
			}
			profile.PhotoURL = photoURL
		}
		profile.UpdatedAtSeconds = s.now().UTC().Unix()

		if err := tx.Save(&profile).Error; err != nil {
			return apperr.New(opSaveProfile, "upsert_failed", err)
		}
		saved = profile
		return nil
	})
	if err != nil {
		if _, ok := apperr.CodeOf(err); ok {
			s.logger.Error("profile save failed", zap.String("user_id", userID), zap.Error(err))
		}
		return Profile{}, err
	}
	return saved, nil
}
