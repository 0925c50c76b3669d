package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrLoadReminders reports that stored reminders could not be read or decoded.
	ErrLoadReminders = errors.New("calendar: reminders could not be loaded")
	// ErrPersistReminders reports that a mutation could not be written to the store.
	ErrPersistReminders = errors.New("calendar: reminders could not be saved")

	errMissingStore      = errors.New("calendar: reminder store required")
	errMissingStoreKey   = errors.New("calendar: reminder store key required")
	errMissingIDProvider = errors.New("calendar: id provider required")
)

// IDProvider issues identifiers for new reminders.
type IDProvider interface {
	NewID() (string, error)
}

// AggregatorConfig describes the dependencies of an Aggregator.
type AggregatorConfig struct {
	Store      ReminderStore
	StoreKey   string
	IDProvider IDProvider
	Clock      func() time.Time
	Location   *time.Location
	Logger     *zap.Logger
}

// MutationResult reports the outcome of a reminder mutation.
// PersistErr is set when the in-memory change was applied but not saved.
type MutationResult struct {
	Applied    bool
	Reminder   Reminder
	Date       Date
	PersistErr error
}

// Persisted reports whether an applied mutation reached the store.
func (r MutationResult) Persisted() bool {
	return r.Applied && r.PersistErr == nil
}

// Aggregator merges private reminders and shared events into a per-day view.
// It is owned by a single caller and is not safe for concurrent use; Session
// serializes access to it.
type Aggregator struct {
	store            ReminderStore
	storeKey         string
	idProvider       IDProvider
	logger           *zap.Logger
	reminders        ReminderIndex
	sharedEvents     SharedEventIndex
	selectedDate     Date
	lastPersistError error
}

// NewAggregator constructs an empty aggregator with today selected.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if strings.TrimSpace(cfg.StoreKey) == "" {
		return nil, errMissingStoreKey
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		store:        cfg.Store,
		storeKey:     cfg.StoreKey,
		idProvider:   cfg.IDProvider,
		logger:       logger,
		reminders:    make(ReminderIndex),
		sharedEvents: make(SharedEventIndex),
		selectedDate: DateOf(clock(), cfg.Location),
	}, nil
}

// Load replaces the reminders with the stored ones. On failure the reminders
// are left empty and an error wrapping ErrLoadReminders is returned.
func (a *Aggregator) Load(ctx context.Context) error {
	a.reminders = make(ReminderIndex)
	blob, found, err := a.store.Load(ctx, a.storeKey)
	if err != nil {
		a.logger.Error("reminder load failed", zap.String("key", a.storeKey), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrLoadReminders, err)
	}
	if !found || len(blob) == 0 {
		return nil
	}
	decoded, err := decodeReminders(blob)
	if err != nil {
		a.logger.Error("reminder decode failed", zap.String("key", a.storeKey), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrLoadReminders, err)
	}
	a.reminders = decoded
	return nil
}

// SelectedDate returns the currently selected day.
func (a *Aggregator) SelectedDate() Date {
	return a.selectedDate
}

// SelectDate changes the selected day.
func (a *Aggregator) SelectDate(date Date) {
	a.selectedDate = date
}

// AddReminder appends a reminder to the selected day.
func (a *Aggregator) AddReminder(ctx context.Context, text string) MutationResult {
	return a.AddReminderOn(ctx, a.selectedDate, text)
}

// AddReminderOn appends a reminder to date. Blank text is ignored.
func (a *Aggregator) AddReminderOn(ctx context.Context, date Date, text string) MutationResult {
	if strings.TrimSpace(text) == "" {
		return MutationResult{Date: date}
	}
	id, err := a.idProvider.NewID()
	if err != nil {
		a.logger.Error("reminder id generation failed", zap.String("key", a.storeKey), zap.Error(err))
		return MutationResult{Date: date}
	}
	reminder := Reminder{ID: id, Text: text}
	a.reminders[date] = append(a.reminders[date], reminder)
	return MutationResult{
		Applied:    true,
		Reminder:   reminder,
		Date:       date,
		PersistErr: a.persist(ctx),
	}
}

// DeleteReminder removes a reminder from the selected day.
func (a *Aggregator) DeleteReminder(ctx context.Context, id string) MutationResult {
	return a.DeleteReminderOn(ctx, a.selectedDate, id)
}

// DeleteReminderOn removes the reminder with id from date. Unknown ids are a no-op.
func (a *Aggregator) DeleteReminderOn(ctx context.Context, date Date, id string) MutationResult {
	existing := a.reminders[date]
	position := -1
	for index, reminder := range existing {
		if reminder.ID == id {
			position = index
			break
		}
	}
	if position < 0 {
		return MutationResult{Date: date}
	}
	removed := existing[position]
	remaining := make([]Reminder, 0, len(existing)-1)
	remaining = append(remaining, existing[:position]...)
	remaining = append(remaining, existing[position+1:]...)
	if len(remaining) == 0 {
		delete(a.reminders, date)
	} else {
		a.reminders[date] = remaining
	}
	return MutationResult{
		Applied:    true,
		Reminder:   removed,
		Date:       date,
		PersistErr: a.persist(ctx),
	}
}

// ApplySnapshot replaces every cached shared event with the given complete set.
func (a *Aggregator) ApplySnapshot(events []SharedEvent) {
	a.sharedEvents = IndexSharedEvents(events)
}

// ItemsForDay lists the reminders of date followed by its shared events.
func (a *Aggregator) ItemsForDay(date Date) []Entry {
	reminders := a.reminders[date]
	events := a.sharedEvents[date]
	items := make([]Entry, 0, len(reminders)+len(events))
	for _, reminder := range reminders {
		items = append(items, reminderEntry(reminder))
	}
	for _, event := range events {
		items = append(items, sharedEventEntry(event))
	}
	return items
}

// Marks derives the calendar indicators for every day with content and the selected day.
func (a *Aggregator) Marks() MarkSet {
	marks := make(MarkSet)
	for date, reminders := range a.reminders {
		if len(reminders) == 0 {
			continue
		}
		mark := marks[date]
		mark.Private = true
		marks[date] = mark
	}
	for date, events := range a.sharedEvents {
		if len(events) == 0 {
			continue
		}
		mark := marks[date]
		mark.Public = true
		marks[date] = mark
	}
	if a.selectedDate != "" {
		mark := marks[a.selectedDate]
		mark.Selected = true
		marks[a.selectedDate] = mark
	}
	return marks
}

// Reminders returns a copy of the reminder index.
func (a *Aggregator) Reminders() ReminderIndex {
	return a.reminders.Clone()
}

// LastPersistError returns the error of the most recent save, nil after a success.
func (a *Aggregator) LastPersistError() error {
	return a.lastPersistError
}

func (a *Aggregator) persist(ctx context.Context) error {
	blob, err := encodeReminders(a.reminders)
	if err == nil {
		err = a.store.Save(ctx, a.storeKey, blob)
	}
	if err != nil {
		a.logger.Error("reminder save failed", zap.String("key", a.storeKey), zap.Error(err))
		a.lastPersistError = fmt.Errorf("%w: %v", ErrPersistReminders, err)
		return a.lastPersistError
	}
	a.lastPersistError = nil
	return nil
}

func encodeReminders(index ReminderIndex) ([]byte, error) {
	serialized := make(map[string][]Reminder, len(index))
	for date, reminders := range index {
		serialized[date.String()] = reminders
	}
	return json.Marshal(serialized)
}

func decodeReminders(blob []byte) (ReminderIndex, error) {
	var serialized map[string][]Reminder
	if err := json.Unmarshal(blob, &serialized); err != nil {
		return nil, err
	}
	index := make(ReminderIndex, len(serialized))
	for rawDate, reminders := range serialized {
		date, err := NewDate(rawDate)
		if err != nil {
			return nil, err
		}
		if len(reminders) == 0 {
			continue
		}
		index[date] = append(index[date], reminders...)
	}
	return index, nil
}
