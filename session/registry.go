package session

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"minbar/etc"
)

var (
	ErrNotFound               = errors.New("session not found")
	ErrEnded                  = errors.New("session has ended")
	ErrConcurrencyConflict    = errors.New("another connection holds the broadcaster binding")
	ErrReconnectWindowExpired = errors.New("broadcaster reconnect window expired")
)

// Notifier receives lifecycle events the registry decides on. Implemented by
// the gateway, which fans session_ended out to joined connections.
type Notifier interface {
	SessionEnded(sessionID, reason string)
	SessionEvicted(sessionID string)
}

// Registry owns every in-memory session and the broadcaster reconnection
// grace timers. One mutex guards the map; each session carries its own.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	clock     etc.Clock
	logger    *log.Logger
	grace     time.Duration
	retention time.Duration

	notifier Notifier
}

func NewRegistry(logger *log.Logger, clock etc.Clock, grace, retention time.Duration) *Registry {
	if grace <= 0 {
		grace = 30 * time.Second
	}
	if retention <= 0 {
		retention = time.Minute
	}
	return &Registry{
		sessions:  make(map[string]*Session),
		clock:     clock,
		logger:    logger,
		grace:     grace,
		retention: retention,
	}
}

// SetNotifier must be called before any session goes live. Separate from the
// constructor because the gateway and registry reference each other.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifier = n
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// CreateOrGet is idempotent: a second start for the same session id returns
// the existing aggregate untouched.
func (r *Registry) CreateOrGet(ownerID, sessionID, sourceLanguage string, languages []string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok {
		return s
	}

	s := &Session{
		ID:              sessionID,
		OwnerID:         ownerID,
		SourceLanguage:  sourceLanguage,
		TargetLanguages: dedupeLanguages(languages),
		Status:          StatusForming,
		CreatedAt:       r.clock.Now(),
	}
	r.sessions[sessionID] = s
	r.logger.Info("session created", "session", sessionID, "owner", ownerID, "languages", s.TargetLanguages)
	return s
}

// TransitionToLive binds connID as the broadcaster and moves the session to
// live. A second connection claiming a session with a valid binding gets
// ErrConcurrencyConflict; the first binding stays untouched.
func (r *Registry) TransitionToLive(sessionID, connID string) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.Status {
	case StatusEnded:
		return ErrEnded
	case StatusLive:
		if s.BroadcasterConn == connID {
			return nil
		}
		return ErrConcurrencyConflict
	}

	s.Status = StatusLive
	s.BroadcasterConn = connID
	s.LiveStartedAt = r.clock.Now()
	r.logger.Info("session live", "session", sessionID, "conn", connID)
	return nil
}

// RecordBroadcasterDisconnect arms the reconnect grace window. The session
// stays live; a timer fires the expiry check unless a reconnect cancels it.
func (r *Registry) RecordBroadcasterDisconnect(sessionID string) {
	s, ok := r.Get(sessionID)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status != StatusLive {
		return
	}

	s.graceDeadline = r.clock.Now().Add(r.grace)
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = time.AfterFunc(r.grace, func() {
		r.ExpireIfGraceElapsed(sessionID)
	})
	r.logger.Info("broadcaster disconnected", "session", sessionID, "deadline", s.graceDeadline)
}

// RecordBroadcasterReconnect rebinds the broadcaster to a new connection,
// valid only while the session is live and a grace window is pending. With
// no grace window armed the current binding is still valid and the rebind is
// a concurrency conflict, not a reconnect.
func (r *Registry) RecordBroadcasterReconnect(sessionID, newConnID string) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Status != StatusLive {
		return ErrReconnectWindowExpired
	}
	if s.graceDeadline.IsZero() {
		return ErrConcurrencyConflict
	}
	if r.clock.Now().After(s.graceDeadline) {
		return ErrReconnectWindowExpired
	}

	s.graceDeadline = time.Time{}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.BroadcasterConn = newConnID
	r.logger.Info("broadcaster reconnected", "session", sessionID, "conn", newConnID)
	return nil
}

// ExpireIfGraceElapsed ends the session when the grace deadline passed
// without a reconnect. A late timer fire after a reconnect or a previous
// expiry is a no-op.
func (r *Registry) ExpireIfGraceElapsed(sessionID string) {
	s, ok := r.Get(sessionID)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.Status != StatusLive || s.graceDeadline.IsZero() || r.clock.Now().Before(s.graceDeadline) {
		s.mu.Unlock()
		return
	}
	r.endLocked(s, reasonTimeout)
	s.mu.Unlock()

	r.notify(sessionID, reasonTimeout)
}

// End moves the session to ended for the given reason and notifies joined
// connections. Idempotent once ended.
func (r *Registry) End(sessionID, reason string) {
	s, ok := r.Get(sessionID)
	if !ok {
		return
	}

	s.mu.Lock()
	if s.Status == StatusEnded {
		s.mu.Unlock()
		return
	}
	r.endLocked(s, reason)
	s.mu.Unlock()

	r.notify(sessionID, reason)
}

const reasonTimeout = "broadcaster_timeout"

func (r *Registry) endLocked(s *Session, reason string) {
	s.Status = StatusEnded
	s.EndedAt = r.clock.Now()
	s.BroadcasterConn = ""
	s.graceDeadline = time.Time{}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.evictTimer = time.AfterFunc(r.retention, func() {
		r.evict(s.ID)
	})
	r.logger.Info("session ended", "session", s.ID, "reason", reason)
}

func (r *Registry) notify(sessionID, reason string) {
	if r.notifier != nil {
		r.notifier.SessionEnded(sessionID, reason)
	}
}

// evict drops an ended session from the hot registry after the retention
// window. Reconnects are impossible past this point.
func (r *Registry) evict(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok && s.Status == StatusEnded {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if ok && r.notifier != nil {
		r.notifier.SessionEvicted(sessionID)
	}
	r.logger.Debug("session evicted", "session", sessionID)
}

// Sessions returns snapshots of every session currently in the registry.
func (r *Registry) Sessions() []Snapshot {
	r.mu.Lock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.Snapshot())
	}
	return out
}
