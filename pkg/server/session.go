package server

import (
	"errors"
	"sync"
	"time"

	"github.com/NicolasHaas/linechat/pkg/model"
)

// Session is one client connection. Its username is empty until the session
// is registered, and its state only moves forward:
// Connected -> Authenticated -> Closed, or Connected -> Closed.
type Session struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	out *Outbox

	mu       sync.Mutex
	state    model.SessionState
	username string
	authAt   time.Time

	// evict is called at most once when a bounded outbox overflows under
	// OverflowDisconnect. It must not block.
	evict     func()
	evictOnce sync.Once
}

// NewSession creates a Connected session.
func NewSession(id, remoteAddr string, out *Outbox) *Session {
	return &Session{
		ID:          id,
		RemoteAddr:  remoteAddr,
		ConnectedAt: time.Now(),
		out:         out,
	}
}

// Username returns the bound name, empty before login.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AuthenticatedAt returns when the session logged in (zero if it never did).
func (s *Session) AuthenticatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authAt
}

// Outbox returns the session's outbound queue.
func (s *Session) Outbox() *Outbox { return s.out }

// OnEvict sets the hook run when the outbox overflows under OverflowDisconnect.
func (s *Session) OnEvict(fn func()) {
	s.mu.Lock()
	s.evict = fn
	s.mu.Unlock()
}

// Send enqueues a line without blocking.
func (s *Session) Send(line string) error {
	err := s.out.Push(line)
	if errors.Is(err, ErrQueueFull) {
		s.mu.Lock()
		fn := s.evict
		s.mu.Unlock()
		if fn != nil {
			s.evictOnce.Do(fn)
		}
	}
	return err
}

// authenticate moves Connected -> Authenticated. It reports false for any
// other starting state.
func (s *Session) authenticate(username string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != model.SessionConnected {
		return false
	}
	s.state = model.SessionAuthenticated
	s.username = username
	s.authAt = now
	return true
}

// markClosed moves the session to Closed. first is false when it was already
// Closed; prev and username describe the state being left.
func (s *Session) markClosed() (prev model.SessionState, username string, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.state
	if prev == model.SessionClosed {
		return prev, s.username, false
	}
	s.state = model.SessionClosed
	return prev, s.username, true
}
