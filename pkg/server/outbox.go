package server

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// OverflowPolicy decides what happens when a bounded outbox is full.
type OverflowPolicy int

const (
	OverflowDisconnect OverflowPolicy = iota // evict the slow recipient
	OverflowDropNewest                       // discard the line being pushed
	OverflowDropOldest                       // discard the oldest queued line
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDropNewest:
		return "drop-newest"
	case OverflowDropOldest:
		return "drop-oldest"
	default:
		return "disconnect"
	}
}

// ParseOverflowPolicy converts a config value to an OverflowPolicy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disconnect", "":
		return OverflowDisconnect, nil
	case "drop-newest":
		return OverflowDropNewest, nil
	case "drop-oldest":
		return OverflowDropOldest, nil
	default:
		return OverflowDisconnect, fmt.Errorf("unknown overflow policy %q (valid: disconnect, drop-newest, drop-oldest)", s)
	}
}

var (
	// ErrQueueFull is returned by Push under OverflowDisconnect.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrLineDropped is returned by Push under OverflowDropNewest.
	ErrLineDropped = errors.New("outbound line dropped")
	// ErrQueueClosed is returned by Push after Close or Discard.
	ErrQueueClosed = errors.New("outbound queue closed")
)

// Outbox is a session's ordered outbound line queue. Push never blocks; a
// single writer drains it with Next.
type Outbox struct {
	mu      sync.Mutex
	lines   []string
	closed  bool
	ready   chan struct{}
	limit   int // 0 = unbounded
	policy  OverflowPolicy
	dropped int64
}

// NewOutbox creates an outbox holding at most limit lines (0 = unbounded).
func NewOutbox(limit int, policy OverflowPolicy) *Outbox {
	if limit < 0 {
		limit = 0
	}
	return &Outbox{
		ready:  make(chan struct{}, 1),
		limit:  limit,
		policy: policy,
	}
}

// Push appends a line. Under OverflowDropOldest a full outbox makes room by
// discarding its oldest line and Push still succeeds.
func (o *Outbox) Push(line string) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrQueueClosed
	}
	if o.limit > 0 && len(o.lines) >= o.limit {
		switch o.policy {
		case OverflowDropNewest:
			o.dropped++
			o.mu.Unlock()
			return ErrLineDropped
		case OverflowDropOldest:
			o.lines = o.lines[1:]
			o.dropped++
		default:
			o.mu.Unlock()
			return ErrQueueFull
		}
	}
	o.lines = append(o.lines, line)
	o.mu.Unlock()
	o.signal()
	return nil
}

// Next blocks until lines are queued, then returns all of them in order.
// ok is false once the outbox is closed and fully drained, or when done fires.
func (o *Outbox) Next(done <-chan struct{}) (batch []string, ok bool) {
	for {
		o.mu.Lock()
		if len(o.lines) > 0 {
			batch = o.lines
			o.lines = nil
			o.mu.Unlock()
			return batch, true
		}
		closed := o.closed
		o.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-o.ready:
		case <-done:
			return nil, false
		}
	}
}

// Close stops intake; lines already queued are still returned by Next.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

// Discard stops intake and drops anything still queued.
func (o *Outbox) Discard() {
	o.mu.Lock()
	o.closed = true
	o.lines = nil
	o.mu.Unlock()
	o.signal()
}

// Dropped returns how many lines the overflow policy has discarded.
func (o *Outbox) Dropped() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Len returns the number of queued lines.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.lines)
}

func (o *Outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
