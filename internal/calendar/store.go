package calendar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ReminderStoreKeyPrefix namespaces the persisted reminder blob of each user.
const ReminderStoreKeyPrefix = "calendar.reminders:"

var errMissingStoreDatabase = errors.New("calendar: reminder store database required")

// ReminderStore persists serialized reminder blobs under a key.
type ReminderStore interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, blob []byte) error
}

// ReminderStoreKey returns the store key holding a user's reminders.
func ReminderStoreKey(userID string) string {
	return ReminderStoreKeyPrefix + strings.TrimSpace(userID)
}

// ReminderBlob is the persisted row backing a ReminderStore key.
type ReminderBlob struct {
	Key              string `gorm:"column:blob_key;primaryKey;size:255;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ReminderBlob) TableName() string {
	return "reminder_blobs"
}

// GormReminderStore keeps reminder blobs in a relational table.
type GormReminderStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormReminderStore constructs a store bound to the provided database.
func NewGormReminderStore(db *gorm.DB, clock func() time.Time) (*GormReminderStore, error) {
	if db == nil {
		return nil, errMissingStoreDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormReminderStore{db: db, clock: clock}, nil
}

// Load returns the blob stored under key, or found=false when absent.
func (s *GormReminderStore) Load(ctx context.Context, key string) ([]byte, bool, error) {
	var blob ReminderBlob
	err := s.db.WithContext(ctx).Where("blob_key = ?", key).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("calendar: load %s: %w", key, err)
	}
	return []byte(blob.PayloadJSON), true, nil
}

// Save replaces the blob stored under key.
func (s *GormReminderStore) Save(ctx context.Context, key string, blob []byte) error {
	record := ReminderBlob{
		Key:              key,
		PayloadJSON:      string(blob),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "blob_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload_json", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("calendar: save %s: %w", key, err)
	}
	return nil
}
