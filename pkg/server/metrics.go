package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections atomic.Int64 // current open connections
	FailedAuths       atomic.Int64 // rejected logins
	SuccessfulAuths   atomic.Int64 // accepted logins
	TotalDisconnects  atomic.Int64 // sessions closed (logout, error or eviction)

	// Message counters
	BroadcastMessages atomic.Int64
	PrivateMessages   atomic.Int64
	GroupMessages     atomic.Int64
	LinesDropped      atomic.Int64 // lines rejected by a full outbox
	Evictions         atomic.Int64 // sessions closed for overflowing their outbox
	CommandErrors     atomic.Int64 // commands answered with a failure line

	// Account and group counters
	Registrations   atomic.Int64
	AccountsDeleted atomic.Int64
	GroupsCreated   atomic.Int64
	GroupsDeleted   atomic.Int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	BroadcastMessages int64 `json:"broadcast_messages"`
	PrivateMessages   int64 `json:"private_messages"`
	GroupMessages     int64 `json:"group_messages"`
	LinesDropped      int64 `json:"lines_dropped"`
	Evictions         int64 `json:"evictions"`
	CommandErrors     int64 `json:"command_errors"`

	Registrations   int64 `json:"registrations"`
	AccountsDeleted int64 `json:"accounts_deleted"`
	GroupsCreated   int64 `json:"groups_created"`
	GroupsDeleted   int64 `json:"groups_deleted"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		SuccessfulAuths:   m.SuccessfulAuths.Load(),
		FailedAuths:       m.FailedAuths.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		BroadcastMessages: m.BroadcastMessages.Load(),
		PrivateMessages:   m.PrivateMessages.Load(),
		GroupMessages:     m.GroupMessages.Load(),
		LinesDropped:      m.LinesDropped.Load(),
		Evictions:         m.Evictions.Load(),
		CommandErrors:     m.CommandErrors.Load(),
		Registrations:     m.Registrations.Load(),
		AccountsDeleted:   m.AccountsDeleted.Load(),
		GroupsCreated:     m.GroupsCreated.Load(),
		GroupsDeleted:     m.GroupsDeleted.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"broadcasts", s.BroadcastMessages,
		"private", s.PrivateMessages,
		"group", s.GroupMessages,
		"dropped", s.LinesDropped,
		"evictions", s.Evictions,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
