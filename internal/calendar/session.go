package calendar

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	errMissingSnapshotSource = errors.New("calendar: snapshot source required")
	errMissingUserID         = errors.New("calendar: user id required")
	// ErrRegistryClosed is returned once the registry has been shut down.
	ErrRegistryClosed = errors.New("calendar: session registry closed")
)

// SnapshotSource streams complete sets of shared events. The first element
// is the current set; each further element fully replaces the previous one.
type SnapshotSource interface {
	Subscribe(ctx context.Context) (<-chan []SharedEvent, func())
}

// ChangeReason describes why a session view changed.
type ChangeReason string

const (
	ChangeReasonSnapshot  ChangeReason = "snapshot"
	ChangeReasonReminder  ChangeReason = "reminder"
	ChangeReasonSelection ChangeReason = "selection"
)

// ChangeNotice is published to watchers after every change of a session.
type ChangeNotice struct {
	UserID string
	Reason ChangeReason
	At     time.Time
}

// View is a consistent projection of a session for transport. Items belong
// to Day, which equals SelectedDate unless the view was taken with ViewOn.
type View struct {
	SelectedDate Date
	Day          Date
	Items        []Entry
	Marks        MarkSet
	PersistError error
}

// SessionConfig describes the dependencies of a Session.
type SessionConfig struct {
	UserID     string
	Store      ReminderStore
	IDProvider IDProvider
	Source     SnapshotSource
	Clock      func() time.Time
	Location   *time.Location
	Logger     *zap.Logger
	OnChange   func(ChangeNotice)
}

// Session owns one user's aggregator together with its live snapshot
// subscription. All access is serialized; Close releases the subscription.
type Session struct {
	userID     string
	mu         sync.Mutex
	aggregator *Aggregator
	loadNotice error
	clock      func() time.Time
	logger     *zap.Logger
	onChange   func(ChangeNotice)
	cancel     context.CancelFunc
	release    func()
	done       chan struct{}
	closeOnce  sync.Once
}

// OpenSession loads the user's reminders and starts consuming snapshots until
// ctx is cancelled or Close is called. A reminder load failure does not
// prevent the session from opening; it is kept as the load notice.
func OpenSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	if cfg.Source == nil {
		return nil, errMissingSnapshotSource
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	aggregator, err := NewAggregator(AggregatorConfig{
		Store:      cfg.Store,
		StoreKey:   ReminderStoreKey(cfg.UserID),
		IDProvider: cfg.IDProvider,
		Clock:      clock,
		Location:   cfg.Location,
		Logger:     logger.With(zap.String("user_id", cfg.UserID)),
	})
	if err != nil {
		return nil, err
	}
	loadNotice := aggregator.Load(ctx)

	sessionCtx, cancel := context.WithCancel(ctx)
	stream, release := cfg.Source.Subscribe(sessionCtx)
	session := &Session{
		userID:     cfg.UserID,
		aggregator: aggregator,
		loadNotice: loadNotice,
		clock:      clock,
		logger:     logger,
		onChange:   cfg.OnChange,
		cancel:     cancel,
		release:    release,
		done:       make(chan struct{}),
	}
	go session.consume(sessionCtx, stream)
	return session, nil
}

// UserID returns the owner of the session.
func (s *Session) UserID() string {
	return s.userID
}

// Done is closed once the session stopped consuming snapshots.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close stops the snapshot subscription and waits for the consumer to exit.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.release != nil {
			s.release()
		}
	})
	<-s.done
}

// TakeLoadNotice returns the reminder load failure once, then nil.
func (s *Session) TakeLoadNotice() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	notice := s.loadNotice
	s.loadNotice = nil
	return notice
}

// View projects the currently selected day.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(s.aggregator.SelectedDate())
}

// ViewOn projects date without changing the selection or notifying watchers.
func (s *Session) ViewOn(date Date) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(date)
}

// Select changes the selected day and returns the new view.
func (s *Session) Select(date Date) View {
	s.mu.Lock()
	changed := s.aggregator.SelectedDate() != date
	s.aggregator.SelectDate(date)
	view := s.viewLocked(s.aggregator.SelectedDate())
	s.mu.Unlock()
	if changed {
		s.notify(ChangeReasonSelection)
	}
	return view
}

// AddReminder adds a reminder on date, or on the selected day when date is empty.
func (s *Session) AddReminder(ctx context.Context, date Date, text string) (MutationResult, View) {
	s.mu.Lock()
	if date == "" {
		date = s.aggregator.SelectedDate()
	}
	result := s.aggregator.AddReminderOn(ctx, date, text)
	view := s.viewLocked(s.aggregator.SelectedDate())
	s.mu.Unlock()
	if result.Applied {
		s.notify(ChangeReasonReminder)
	}
	return result, view
}

// DeleteReminder deletes a reminder from date, or from the selected day when date is empty.
func (s *Session) DeleteReminder(ctx context.Context, date Date, id string) (MutationResult, View) {
	s.mu.Lock()
	if date == "" {
		date = s.aggregator.SelectedDate()
	}
	result := s.aggregator.DeleteReminderOn(ctx, date, id)
	view := s.viewLocked(s.aggregator.SelectedDate())
	s.mu.Unlock()
	if result.Applied {
		s.notify(ChangeReasonReminder)
	}
	return result, view
}

func (s *Session) viewLocked(day Date) View {
	return View{
		SelectedDate: s.aggregator.SelectedDate(),
		Day:          day,
		Items:        s.aggregator.ItemsForDay(day),
		Marks:        s.aggregator.Marks(),
		PersistError: s.aggregator.LastPersistError(),
	}
}

func (s *Session) consume(ctx context.Context, stream <-chan []SharedEvent) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-stream:
			if !ok {
				s.logger.Debug("snapshot stream closed", zap.String("user_id", s.userID))
				return
			}
			s.mu.Lock()
			s.aggregator.ApplySnapshot(snapshot)
			s.mu.Unlock()
			s.notify(ChangeReasonSnapshot)
		}
	}
}

func (s *Session) notify(reason ChangeReason) {
	if s.onChange == nil {
		return
	}
	s.onChange(ChangeNotice{UserID: s.userID, Reason: reason, At: s.clock().UTC()})
}
