package calendar

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/harbor/internal/realtime"
	"go.uber.org/zap"
)

const defaultSessionIdleTTL = 30 * time.Minute

// RegistryConfig describes the shared dependencies of every session.
type RegistryConfig struct {
	Store      ReminderStore
	IDProvider IDProvider
	Source     SnapshotSource
	Clock      func() time.Time
	Location   *time.Location
	Logger     *zap.Logger
	// IdleTTL closes sessions without watchers that were not used for this long.
	IdleTTL time.Duration
}

// registryEntry tracks one user's session. ready is closed once the session
// finished opening; session and err are immutable afterwards.
type registryEntry struct {
	ready    chan struct{}
	session  *Session
	err      error
	watchers int
	lastUsed time.Time
}

func (e *registryEntry) opened() bool {
	select {
	case <-e.ready:
		return e.session != nil
	default:
		return false
	}
}

// SessionRegistry lazily opens one Session per user, closes sessions that sit
// idle and closes all of them on shutdown. Change notices are fanned out per
// user to watchers.
type SessionRegistry struct {
	config    RegistryConfig
	clock     func() time.Time
	idleTTL   time.Duration
	baseCtx   context.Context
	cancel    context.CancelFunc
	notices   *realtime.Dispatcher[ChangeNotice]
	mu        sync.Mutex
	entries   map[string]*registryEntry
	lastSweep time.Time
	closed    bool
}

// NewSessionRegistry validates the shared dependencies.
func NewSessionRegistry(cfg RegistryConfig) (*SessionRegistry, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.Source == nil {
		return nil, errMissingSnapshotSource
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idleTTL := cfg.IdleTTL
	if idleTTL <= 0 {
		idleTTL = defaultSessionIdleTTL
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &SessionRegistry{
		config:  cfg,
		clock:   clock,
		idleTTL: idleTTL,
		baseCtx: baseCtx,
		cancel:  cancel,
		notices: realtime.NewDispatcher[ChangeNotice](0),
		entries: make(map[string]*registryEntry),
	}, nil
}

// Acquire returns the user's session, opening it on first use. Sessions are
// bound to the registry lifetime, not to ctx; ctx only bounds the wait for a
// session another request is opening.
func (r *SessionRegistry) Acquire(ctx context.Context, userID string) (*Session, error) {
	if userID == "" {
		return nil, errMissingUserID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := r.clock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	var idle []*Session
	if now.Sub(r.lastSweep) >= r.idleTTL/2 {
		idle = r.collectIdleLocked(now, userID)
		r.lastSweep = now
	}
	entry, ok := r.entries[userID]
	if ok && entry.opened() && isClosed(entry.session.Done()) {
		delete(r.entries, userID)
		ok = false
	}
	opening := !ok
	if opening {
		entry = &registryEntry{ready: make(chan struct{})}
		r.entries[userID] = entry
	}
	entry.lastUsed = now
	r.mu.Unlock()

	closeSessions(idle)
	if opening {
		r.open(userID, entry)
	}

	select {
	case <-entry.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if entry.err != nil {
		return nil, entry.err
	}
	return entry.session, nil
}

func (r *SessionRegistry) open(userID string, entry *registryEntry) {
	session, err := OpenSession(r.baseCtx, SessionConfig{
		UserID:     userID,
		Store:      r.config.Store,
		IDProvider: r.config.IDProvider,
		Source:     r.config.Source,
		Clock:      r.config.Clock,
		Location:   r.config.Location,
		Logger:     r.config.Logger,
		OnChange: func(notice ChangeNotice) {
			r.notices.Publish(notice.UserID, notice)
		},
	})

	r.mu.Lock()
	var discard *Session
	switch {
	case err != nil:
		entry.err = err
	case r.closed:
		entry.err = ErrRegistryClosed
		discard = session
	default:
		entry.session = session
	}
	if entry.err != nil && r.entries[userID] == entry {
		delete(r.entries, userID)
	}
	close(entry.ready)
	r.mu.Unlock()

	if discard != nil {
		discard.Close()
		return
	}
	if err == nil {
		r.config.Logger.Debug("calendar session opened", zap.String("user_id", userID))
	}
}

// Watch subscribes to change notices of one user's session. A session with
// watchers is never closed as idle.
func (r *SessionRegistry) Watch(ctx context.Context, userID string) (<-chan ChangeNotice, func()) {
	r.mu.Lock()
	entry := r.entries[userID]
	if entry != nil {
		entry.watchers++
	}
	r.mu.Unlock()

	stream, unsubscribe := r.notices.Subscribe(ctx, userID)
	var once sync.Once
	release := func() {
		once.Do(func() {
			unsubscribe()
			if entry == nil {
				return
			}
			r.mu.Lock()
			if entry.watchers > 0 {
				entry.watchers--
			}
			entry.lastUsed = r.clock()
			r.mu.Unlock()
		})
	}
	context.AfterFunc(ctx, release)
	return stream, release
}

// EvictIdle closes every session without watchers that was not used within
// the idle TTL and returns how many were closed.
func (r *SessionRegistry) EvictIdle() int {
	now := r.clock()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0
	}
	idle := r.collectIdleLocked(now, "")
	r.lastSweep = now
	r.mu.Unlock()

	closeSessions(idle)
	return len(idle)
}

// collectIdleLocked removes idle entries, except keep, and returns their sessions.
func (r *SessionRegistry) collectIdleLocked(now time.Time, keep string) []*Session {
	var idle []*Session
	for userID, entry := range r.entries {
		if userID == keep || !entry.opened() || entry.watchers > 0 {
			continue
		}
		if now.Sub(entry.lastUsed) < r.idleTTL {
			continue
		}
		delete(r.entries, userID)
		idle = append(idle, entry.session)
		r.config.Logger.Debug("calendar session idle", zap.String("user_id", userID))
	}
	return idle
}

// Close shuts down every session; later Acquire calls fail.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.opened() {
			sessions = append(sessions, entry.session)
		}
	}
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	r.cancel()
	closeSessions(sessions)
}

func closeSessions(sessions []*Session) {
	for _, session := range sessions {
		session.Close()
	}
}

func isClosed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
