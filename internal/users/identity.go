package users

import (
	"strings"
	"time"
)

// ProviderPhone identifies logins verified by SMS code.
const ProviderPhone = "phone"

// Identity maps a provider-specific login onto the canonical Harbor user id.
type Identity struct {
	Provider   string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject    string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID     string    `gorm:"column:user_id;size:190;not null;index"`
	LastSeenAt time.Time `gorm:"column:last_seen_at"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile holds the public name and photo shown next to a user's posts.
type Profile struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName      string `gorm:"column:display_name;size:120;not null;default:''"`
	PhotoURL         string `gorm:"column:photo_url;size:512;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName exposes the table backing user profiles.
func (Profile) TableName() string {
	return "user_profiles"
}

// ProfileUpdate lists the profile fields to overwrite. Nil fields keep their stored value.
type ProfileUpdate struct {
	DisplayName *string
	PhotoURL    *string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
