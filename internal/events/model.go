package events

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/harbor/internal/calendar"
)

// SourceManual tags events created through the API.
const SourceManual = "manual"

const (
	maxTitleLength       = 200
	maxDescriptionLength = 4000
	maxLocationLength    = 500
	mapsSearchURL        = "https://www.google.com/maps/search/?api=1&query="
)

var (
	// ErrMissingTitle indicates that an event has no title.
	ErrMissingTitle = errors.New("events: title required")
	// ErrFieldTooLong indicates that a text field exceeds its storage bound.
	ErrFieldTooLong = errors.New("events: field too long")
	// ErrEventNotFound indicates that no event matches the identifier.
	ErrEventNotFound = errors.New("events: event not found")
)

// Event is a publicly shared calendar event.
type Event struct {
	EventID          string  `gorm:"column:event_id;primaryKey;size:190;not null"`
	Date             string  `gorm:"column:event_date;size:10;not null;index:idx_shared_events_date"`
	Title            string  `gorm:"column:title;size:200;not null"`
	Description      string  `gorm:"column:description;type:text;not null;default:''"`
	Location         string  `gorm:"column:location;size:500;not null;default:''"`
	Source           string  `gorm:"column:source;size:190;not null;default:'manual';uniqueIndex:idx_shared_events_source_uid,priority:1"`
	ExternalUID      *string `gorm:"column:external_uid;size:400;uniqueIndex:idx_shared_events_source_uid,priority:2"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "shared_events"
}

// Shared converts the stored row into the calendar projection.
func (e Event) Shared() calendar.SharedEvent {
	return calendar.SharedEvent{
		ID:          e.EventID,
		Date:        e.Date,
		Title:       e.Title,
		Description: e.Description,
		Location:    e.Location,
	}
}

// MapURL links the event location to a map search, or returns "" without a location.
func (e Event) MapURL() string {
	return MapURL(e.Location)
}

// MapURL builds a universal map search link for a free-form location.
func MapURL(location string) string {
	trimmed := strings.TrimSpace(location)
	if trimmed == "" {
		return ""
	}
	return mapsSearchURL + url.QueryEscape(trimmed)
}

// Input carries the user-editable fields of an event.
type Input struct {
	Date        string
	Title       string
	Description string
	Location    string
}

type validInput struct {
	date        calendar.Date
	title       string
	description string
	location    string
}

func (input Input) validate() (validInput, error) {
	date, err := calendar.NewDate(input.Date)
	if err != nil {
		return validInput{}, err
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return validInput{}, ErrMissingTitle
	}
	description := strings.TrimSpace(input.Description)
	location := strings.TrimSpace(input.Location)
	switch {
	case utf8.RuneCountInString(title) > maxTitleLength:
		return validInput{}, fmt.Errorf("%w: title exceeds %d characters", ErrFieldTooLong, maxTitleLength)
	case utf8.RuneCountInString(description) > maxDescriptionLength:
		return validInput{}, fmt.Errorf("%w: description exceeds %d characters", ErrFieldTooLong, maxDescriptionLength)
	case utf8.RuneCountInString(location) > maxLocationLength:
		return validInput{}, fmt.Errorf("%w: location exceeds %d characters", ErrFieldTooLong, maxLocationLength)
	}
	return validInput{date: date, title: title, description: description, location: location}, nil
}

var monthNamesPortuguese = [...]string{
	"janeiro", "fevereiro", "março", "abril", "maio", "junho",
	"julho", "agosto", "setembro", "outubro", "novembro", "dezembro",
}

// FormatDisplayDate renders a YYYY-MM-DD date the way the home feed shows it,
// e.g. "14 de junho". Invalid input is returned unchanged.
func FormatDisplayDate(date string) string {
	parsed, err := time.Parse(calendar.DateLayout, strings.TrimSpace(date))
	if err != nil {
		return date
	}
	return fmt.Sprintf("%d de %s", parsed.Day(), monthNamesPortuguese[parsed.Month()-1])
}
