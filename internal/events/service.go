package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/harbor/internal/apperr"
	"github.com/MarcoPoloResearchLab/harbor/internal/calendar"
	"github.com/MarcoPoloResearchLab/harbor/internal/realtime"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SnapshotTopic is the realtime topic carrying complete event snapshots.
const SnapshotTopic = "events"

const (
	opServiceNew    = "events.service.new"
	opCreate        = "events.create"
	opUpdate        = "events.update"
	opDelete        = "events.delete"
	opList          = "events.list"
	opListUpcoming  = "events.list_upcoming"
	opSnapshot      = "events.snapshot"
	opImport        = "events.import"
	fieldEventID    = "event_id"
	queryEventID    = "event_id = ?"
	orderByDate     = "event_date ASC, created_at_s ASC, event_id ASC"
	reasonMissingDB = "missing_database"
	reasonIDFailed  = "id_generation_failed"
	reasonQuery     = "query_failed"
	reasonInsert    = "insert_failed"
	reasonUpdate    = "update_failed"
	reasonRemove    = "delete_failed"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// IDProvider issues identifiers for new events.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the events service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Dispatcher *realtime.Dispatcher[[]calendar.SharedEvent]
	// Location resolves the calendar day of timed feed entries.
	Location *time.Location
	// ImportHorizon bounds recurrence expansion ahead of today.
	ImportHorizon time.Duration
	// ImportLookback keeps recently passed occurrences of a feed.
	ImportLookback time.Duration
}

const (
	defaultImportHorizon  = 365 * 24 * time.Hour
	defaultImportLookback = 30 * 24 * time.Hour
)

// Service stores shared events and broadcasts a complete snapshot after every change.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	dispatcher *realtime.Dispatcher[[]calendar.SharedEvent]
	location   *time.Location

	importHorizon  time.Duration
	importLookback time.Duration
	// writeMu orders commit and publish so snapshots never go back in time.
	writeMu sync.Mutex
}

// NewService validates dependencies and constructs the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opServiceNew, reasonMissingDB, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
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
		dispatcher = realtime.NewDispatcher[[]calendar.SharedEvent](0)
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	horizon := cfg.ImportHorizon
	if horizon <= 0 {
		horizon = defaultImportHorizon
	}
	lookback := cfg.ImportLookback
	if lookback < 0 {
		lookback = 0
	} else if lookback == 0 {
		lookback = defaultImportLookback
	}
	return &Service{
		db:             cfg.Database,
		clock:          clock,
		idProvider:     cfg.IDProvider,
		logger:         logger,
		dispatcher:     dispatcher,
		location:       location,
		importHorizon:  horizon,
		importLookback: lookback,
	}, nil
}

// Create stores a new manual event.
func (s *Service) Create(ctx context.Context, input Input) (Event, error) {
	valid, err := input.validate()
	if err != nil {
		return Event{}, err
	}
	if s.db == nil {
		return Event{}, apperr.New(opCreate, reasonMissingDB, errMissingDatabase)
	}
	eventID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDFailed, err)
		return Event{}, apperr.New(opCreate, reasonIDFailed, err)
	}
	now := s.clock().UTC().Unix()
	event := Event{
		EventID:          eventID,
		Date:             valid.date.String(),
		Title:            valid.title,
		Description:      valid.description,
		Location:         valid.location,
		Source:           SourceManual,
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		s.logError(opCreate, reasonInsert, err, zap.String(fieldEventID, eventID))
		return Event{}, apperr.New(opCreate, reasonInsert, err)
	}
	s.publishLocked(ctx)
	return event, nil
}

// Update replaces the editable fields of an event.
func (s *Service) Update(ctx context.Context, eventID string, input Input) (Event, error) {
	valid, err := input.validate()
	if err != nil {
		return Event{}, err
	}
	if s.db == nil {
		return Event{}, apperr.New(opUpdate, reasonMissingDB, errMissingDatabase)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var event Event
	err = s.db.WithContext(ctx).Where(queryEventID, eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Event{}, ErrEventNotFound
	}
	if err != nil {
		s.logError(opUpdate, reasonQuery, err, zap.String(fieldEventID, eventID))
		return Event{}, apperr.New(opUpdate, reasonQuery, err)
	}
	event.Date = valid.date.String()
	event.Title = valid.title
	event.Description = valid.description
	event.Location = valid.location
	event.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Save(&event).Error; err != nil {
		s.logError(opUpdate, reasonUpdate, err, zap.String(fieldEventID, eventID))
		return Event{}, apperr.New(opUpdate, reasonUpdate, err)
	}
	s.publishLocked(ctx)
	return event, nil
}

// Delete removes an event.
func (s *Service) Delete(ctx context.Context, eventID string) error {
	if s.db == nil {
		return apperr.New(opDelete, reasonMissingDB, errMissingDatabase)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	result := s.db.WithContext(ctx).Where(queryEventID, eventID).Delete(&Event{})
	if result.Error != nil {
		s.logError(opDelete, reasonRemove, result.Error, zap.String(fieldEventID, eventID))
		return apperr.New(opDelete, reasonRemove, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	s.publishLocked(ctx)
	return nil
}

// List returns every event ordered by date.
func (s *Service) List(ctx context.Context) ([]Event, error) {
	if s.db == nil {
		return nil, apperr.New(opList, reasonMissingDB, errMissingDatabase)
	}
	var stored []Event
	if err := s.db.WithContext(ctx).Order(orderByDate).Find(&stored).Error; err != nil {
		s.logError(opList, reasonQuery, err)
		return nil, apperr.New(opList, reasonQuery, err)
	}
	return stored, nil
}

// ListUpcoming returns events dated today or later, soonest first.
func (s *Service) ListUpcoming(ctx context.Context, today calendar.Date) ([]Event, error) {
	if s.db == nil {
		return nil, apperr.New(opListUpcoming, reasonMissingDB, errMissingDatabase)
	}
	var stored []Event
	if err := s.db.WithContext(ctx).
		Where("event_date >= ?", today.String()).
		Order(orderByDate).
		Find(&stored).Error; err != nil {
		s.logError(opListUpcoming, reasonQuery, err)
		return nil, apperr.New(opListUpcoming, reasonQuery, err)
	}
	return stored, nil
}

// Snapshot returns the complete current set of shared events.
func (s *Service) Snapshot(ctx context.Context) ([]calendar.SharedEvent, error) {
	stored, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make([]calendar.SharedEvent, 0, len(stored))
	for _, event := range stored {
		snapshot = append(snapshot, event.Shared())
	}
	return snapshot, nil
}

// Subscribe streams the current snapshot followed by a new complete snapshot
// after every change. The stream is closed once ctx ends or release is called.
func (s *Service) Subscribe(ctx context.Context) (<-chan []calendar.SharedEvent, func()) {
	subscriptionCtx, cancel := context.WithCancel(ctx)
	updates, unsubscribe := s.dispatcher.Subscribe(subscriptionCtx, SnapshotTopic)
	out := make(chan []calendar.SharedEvent, 1)

	go func() {
		defer close(out)
		defer unsubscribe()
		initial, err := s.Snapshot(subscriptionCtx)
		if err != nil {
			s.loggerOrDefault().Warn("initial event snapshot failed", zap.Error(err))
		} else {
			select {
			case out <- initial:
			case <-subscriptionCtx.Done():
				return
			}
		}
		for {
			select {
			case <-subscriptionCtx.Done():
				return
			case snapshot := <-updates:
				select {
				case out <- snapshot:
				case <-subscriptionCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancel
}

// publishLocked broadcasts the committed state. The caller's cancellation is
// dropped so a disconnect after commit still reaches every subscriber.
func (s *Service) publishLocked(ctx context.Context) {
	snapshot, err := s.Snapshot(context.WithoutCancel(ctx))
	if err != nil {
		s.logError(opSnapshot, reasonQuery, err)
		return
	}
	s.dispatcher.Publish(SnapshotTopic, snapshot)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("events service error", attrs...)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}
