package backends

import (
	"sync"
	"time"
)

const maxHistory = 10

type Exchange struct {
	Prompt string
	Reply  string
}

// Session is the continuation state of one call against one backend. It is
// owned by the call and released when the call ends.
type Session struct {
	callID string
	kind   Kind

	mu       sync.Mutex
	token    string
	history  []Exchange
	released bool
}

func newSession(callID string, kind Kind) *Session {
	return &Session{callID: callID, kind: kind}
}

func (s *Session) CallID() string { return s.callID }
func (s *Session) Kind() Kind     { return s.kind }

func (s *Session) ContinuationToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Session) History() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Exchange(nil), s.history...)
}

// Release drops the continuation state. Later replies are not recorded.
func (s *Session) Release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = true
	s.token = ""
	s.history = nil
}

func (s *Session) IsReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

func (s *Session) snapshot() (string, []Exchange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return "", nil
	}
	return s.token, append([]Exchange(nil), s.history...)
}

func (s *Session) record(prompt, reply, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	if token != "" {
		s.token = token
	}
	s.history = append(s.history, Exchange{Prompt: prompt, Reply: reply})
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
}

const (
	DefaultSessionIdleTimeout = 30 * time.Minute
	DefaultMaxSessions        = 1000
)

// SessionStore keeps sessions for callers that address the bridge by call id
// from outside a call session, such as the HTTP query surface. Sessions idle
// longer than the idle timeout are released, and the least recently used
// session is released when the store is full.
type SessionStore struct {
	bridge      *Bridge
	idleTimeout time.Duration
	maxSessions int
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*storedSession
}

type storedSession struct {
	session  *Session
	lastUsed time.Time
}

type SessionStoreOption func(*SessionStore)

func WithSessionIdleTimeout(timeout time.Duration) SessionStoreOption {
	return func(s *SessionStore) {
		if timeout > 0 {
			s.idleTimeout = timeout
		}
	}
}

func WithMaxSessions(n int) SessionStoreOption {
	return func(s *SessionStore) {
		if n > 0 {
			s.maxSessions = n
		}
	}
}

func NewSessionStore(bridge *Bridge, opts ...SessionStoreOption) *SessionStore {
	s := &SessionStore{
		bridge:      bridge,
		idleTimeout: DefaultSessionIdleTimeout,
		maxSessions: DefaultMaxSessions,
		now:         time.Now,
		sessions:    map[string]*storedSession{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the session for callID, creating it on first use.
func (s *SessionStore) Get(callID string) *Session {
	s.mu.Lock()
	now := s.now()
	evicted := s.expireLocked(now)

	stored, ok := s.sessions[callID]
	if ok {
		stored.lastUsed = now
	} else {
		if len(s.sessions) >= s.maxSessions {
			evicted = append(evicted, s.evictOldestLocked())
		}
		stored = &storedSession{session: s.bridge.NewSession(callID), lastUsed: now}
		s.sessions[callID] = stored
	}
	s.mu.Unlock()

	for _, session := range evicted {
		logger.Info("released idle session", "call_id", session.CallID())
		session.Release()
	}
	return stored.session
}

func (s *SessionStore) expireLocked(now time.Time) []*Session {
	var expired []*Session
	for callID, stored := range s.sessions {
		if now.Sub(stored.lastUsed) >= s.idleTimeout {
			expired = append(expired, stored.session)
			delete(s.sessions, callID)
		}
	}
	return expired
}

func (s *SessionStore) evictOldestLocked() *Session {
	var oldestID string
	var oldest *storedSession
	for callID, stored := range s.sessions {
		if oldest == nil || stored.lastUsed.Before(oldest.lastUsed) {
			oldestID, oldest = callID, stored
		}
	}
	delete(s.sessions, oldestID)
	return oldest.session
}

// End releases and forgets the session for callID. It reports whether a
// session existed.
func (s *SessionStore) End(callID string) bool {
	s.mu.Lock()
	stored, ok := s.sessions[callID]
	delete(s.sessions, callID)
	s.mu.Unlock()

	if ok {
		stored.session.Release()
	}
	return ok
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
