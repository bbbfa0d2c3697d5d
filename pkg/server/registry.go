package server

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/NicolasHaas/linechat/pkg/model"
)

// Registry maps usernames to their live sessions. A name can be held by at
// most one non-Closed session.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Session
	order  []string // registration order
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Session)}
}

// Register binds username to s and authenticates s in one step. Registering
// the session that already holds username is a no-op.
func (r *Registry) Register(username string, s *Session) error {
	return r.register(username, s, nil)
}

// register is Register with an extra check run under the registry lock just
// before the name is bound. A check error leaves s and the registry unchanged.
func (r *Registry) register(username string, s *Session, check func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if check != nil {
		if err := check(); err != nil {
			return fmt.Errorf("registry: register %q: %w", username, err)
		}
	}
	if cur, ok := r.byName[username]; ok {
		if cur == s {
			// Already bound; the entry is left untouched either way.
			if s.State() == model.SessionAuthenticated && s.Username() == username {
				return nil
			}
			return fmt.Errorf("registry: register %q: session is %s: %w", username, s.State(), model.ErrInvalidState)
		}
		if cur.State() != model.SessionClosed {
			return fmt.Errorf("registry: register %q: %w", username, model.ErrNameTaken)
		}
		r.removeLocked(username)
	}
	if !s.authenticate(username, time.Now()) {
		return fmt.Errorf("registry: register %q: session is %s: %w", username, s.State(), model.ErrInvalidState)
	}
	r.byName[username] = s
	r.order = append(r.order, username)
	return nil
}

// Unregister removes username. Removing an absent name is a no-op.
func (r *Registry) Unregister(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(username)
}

// unregisterSession removes s only if it still holds its name.
func (r *Registry) unregisterSession(s *Session) bool {
	name := s.Username()
	if name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byName[name] != s {
		return false
	}
	r.removeLocked(name)
	return true
}

func (r *Registry) removeLocked(username string) {
	if _, ok := r.byName[username]; !ok {
		return
	}
	delete(r.byName, username)
	if i := slices.Index(r.order, username); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

// Lookup returns the non-Closed session holding username.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.RLock()
	s, ok := r.byName[username]
	r.mu.RUnlock()
	if !ok || s.State() == model.SessionClosed {
		return nil, false
	}
	return s, true
}

// ListOnline returns the authenticated usernames in registration order.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.byName[name].State() == model.SessionAuthenticated {
			names = append(names, name)
		}
	}
	return names
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// BroadcastAll enqueues line on every authenticated session except the one
// with excludeID and returns how many accepted it. Delivery happens outside
// the registry lock.
func (r *Registry) BroadcastAll(line, excludeID string) int {
	delivered := 0
	for _, s := range r.snapshot() {
		if s.ID == excludeID || s.State() != model.SessionAuthenticated {
			continue
		}
		if err := s.Send(line); err == nil {
			delivered++
		}
	}
	return delivered
}

// Shutdown closes every registered session's outbox and empties the registry.
// It returns the sessions that were registered.
func (r *Registry) Shutdown() []*Session {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.byName))
	for _, name := range r.order {
		sessions = append(sessions, r.byName[name])
	}
	r.byName = make(map[string]*Session)
	r.order = nil
	r.mu.Unlock()

	for _, s := range sessions {
		s.out.Close()
	}
	return sessions
}
