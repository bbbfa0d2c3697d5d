package server

import (
	"sync"
	"time"
)

// EventKind identifies an account or presence change.
type EventKind int

const (
	EventOnline EventKind = iota
	EventOffline
	EventRegistered
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventRegistered:
		return "registered"
	case EventDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is published after the change it describes has been applied.
type Event struct {
	Kind     EventKind
	Username string
	At       time.Time
}

// Events is a synchronous publish/subscribe list. Handlers run on the
// publishing goroutine in subscription order and must not publish.
type Events struct {
	mu       sync.RWMutex
	handlers []func(Event)
}

// NewEvents creates a bus with no handlers.
func NewEvents() *Events {
	return &Events{}
}

// Subscribe registers fn for every subsequent event.
func (e *Events) Subscribe(fn func(Event)) {
	e.mu.Lock()
	e.handlers = append(e.handlers, fn)
	e.mu.Unlock()
}

// Publish delivers ev to every handler.
func (e *Events) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
