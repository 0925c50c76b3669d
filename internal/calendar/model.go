package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the calendar day format shared by reminders and shared events.
const DateLayout = "2006-01-02"

// EntryKind tags the origin of a day entry.
type EntryKind string

const (
	// EntryKindReminder marks a private, per-user reminder.
	EntryKindReminder EntryKind = "reminder"
	// EntryKindSharedEvent marks a publicly broadcast event.
	EntryKindSharedEvent EntryKind = "shared_event"
)

// ErrInvalidDate indicates that a value is not a YYYY-MM-DD calendar date.
var ErrInvalidDate = errors.New("calendar: invalid date")

// Date is a validated YYYY-MM-DD calendar day.
type Date string

// NewDate validates raw input and returns a Date.
func NewDate(rawInput string) (Date, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	parsed, err := time.Parse(DateLayout, trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, trimmed)
	}
	return Date(parsed.Format(DateLayout)), nil
}

// DateOf returns the calendar day of the instant in the provided location.
func DateOf(instant time.Time, location *time.Location) Date {
	if location == nil {
		location = time.UTC
	}
	return Date(instant.In(location).Format(DateLayout))
}

// String returns the underlying date string.
func (d Date) String() string {
	return string(d)
}

// Reminder is a private note attached to a day.
type Reminder struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// SharedEvent is a read-only copy of a publicly broadcast event.
type SharedEvent struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
}

// Entry is one item of a day listing. Exactly one of Reminder or SharedEvent
// is set, matching Kind.
type Entry struct {
	Kind        EntryKind
	Reminder    *Reminder
	SharedEvent *SharedEvent
}

// ID returns the identifier of the wrapped item.
func (e Entry) ID() string {
	switch e.Kind {
	case EntryKindReminder:
		if e.Reminder != nil {
			return e.Reminder.ID
		}
	case EntryKindSharedEvent:
		if e.SharedEvent != nil {
			return e.SharedEvent.ID
		}
	}
	return ""
}

func reminderEntry(reminder Reminder) Entry {
	copied := reminder
	return Entry{Kind: EntryKindReminder, Reminder: &copied}
}

func sharedEventEntry(event SharedEvent) Entry {
	copied := event
	return Entry{Kind: EntryKindSharedEvent, SharedEvent: &copied}
}

// Mark describes the indicators shown on a calendar day.
type Mark struct {
	Private  bool `json:"private"`
	Public   bool `json:"public"`
	Selected bool `json:"selected"`
}

// MarkSet maps dates to their indicators. Dates without indicators are absent.
type MarkSet map[Date]Mark

// ReminderIndex maps dates to their reminders in insertion order.
type ReminderIndex map[Date][]Reminder

// SharedEventIndex maps dates to the shared events of the current snapshot.
type SharedEventIndex map[Date][]SharedEvent

// Clone returns a deep copy of the index.
func (index ReminderIndex) Clone() ReminderIndex {
	cloned := make(ReminderIndex, len(index))
	for date, reminders := range index {
		cloned[date] = append([]Reminder(nil), reminders...)
	}
	return cloned
}

// IndexSharedEvents groups a complete snapshot by date, preserving delivery
// order within each date. Events without a date are skipped.
func IndexSharedEvents(events []SharedEvent) SharedEventIndex {
	index := make(SharedEventIndex)
	for _, event := range events {
		date := strings.TrimSpace(event.Date)
		if date == "" {
			continue
		}
		index[Date(date)] = append(index[Date(date)], event)
	}
	return index
}
