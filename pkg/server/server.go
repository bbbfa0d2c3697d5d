// Package server implements the linechat server: session registry, group
// store, command router and the TCP line transport in front of them.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/NicolasHaas/linechat/pkg/crypto"
	"github.com/NicolasHaas/linechat/pkg/datastore"
	"github.com/NicolasHaas/linechat/pkg/logging"
	"github.com/NicolasHaas/linechat/pkg/protocol"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`     // TCP bind address (e.g. ":8888")
	MetricsAddr    string        `yaml:"metrics_addr"`    // HTTP bind address for /metrics (empty = disabled)
	DBPath         string        `yaml:"db_path"`         // SQLite credential database
	GroupsFile     string        `yaml:"groups_file"`     // YAML groups loaded on startup
	SaveGroups     bool          `yaml:"save_groups"`     // write groups back to GroupsFile on shutdown
	AllowGuests    bool          `yaml:"allow_guests"`    // allow login with unregistered names
	QueueCapacity  int           `yaml:"queue_capacity"`  // outbound lines per session (0 = unbounded)
	OverflowPolicy string        `yaml:"overflow_policy"` // disconnect, drop-newest or drop-oldest
	IdleTimeout    time.Duration `yaml:"idle_timeout"`    // close sessions silent this long (0 = never)
	MaxLineLength  int           `yaml:"max_line_length"` // longest accepted request line in bytes
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`

	// CLI-only actions (run and exit)
	ExportUsers  bool `yaml:"-"` // export all accounts as YAML and exit
	ExportGroups bool `yaml:"-"` // export the groups file, normalized, and exit
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8888",
		MetricsAddr:    ":8889",
		DBPath:         "linechat.db",
		AllowGuests:    true,
		QueueCapacity:  256,
		OverflowPolicy: OverflowDisconnect.String(),
		IdleTimeout:    5 * time.Minute,
		MaxLineLength:  protocol.DefaultMaxLineLength,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("config: queue capacity must not be negative")
	}
	if c.MaxLineLength < 0 {
		return fmt.Errorf("config: max line length must not be negative")
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("config: idle timeout must not be negative")
	}
	if _, err := ParseOverflowPolicy(c.OverflowPolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := logging.Validate(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it on shutdown.
type Dependencies struct {
	Store datastore.CredentialStore
}

// Server is the main linechat server.
type Server struct {
	cfg      Config
	policy   OverflowPolicy
	registry *Registry
	groups   *GroupStore
	accounts *Accounts
	events   *Events
	router   *Router
	metrics  *Metrics
	store    datastore.CredentialStore
	control  *ControlHandler
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a new Server instance. An unknown overflow policy falls back to
// disconnect; use Config.Validate to reject it instead.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	policy, err := ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		slog.Warn("invalid overflow policy, using disconnect", "err", err)
	}

	s := &Server{
		cfg:      cfg,
		policy:   policy,
		registry: NewRegistry(),
		groups:   NewGroupStore(),
		events:   NewEvents(),
		metrics:  NewMetrics(),
		store:    deps.Store,
		ctx:      ctx,
		cancel:   cancel,
	}
	if s.store == nil {
		s.store = datastore.NewMemory()
	}
	s.accounts = NewAccounts(s.store)
	s.router = newRouter(s.registry, s.groups, s.accounts, s.events, s.metrics, cfg.AllowGuests)
	s.control = newControlHandler(s)

	s.events.Subscribe(s.accounts.HandleEvent)
	s.events.Subscribe(func(ev Event) {
		if ev.Kind != EventDeleted {
			return
		}
		for _, g := range s.groups.PurgeUser(ev.Username) {
			s.metrics.GroupsDeleted.Add(1)
			slog.Info("group deleted with its creator", "group", g.ID, "user", ev.Username)
		}
	})
	return s
}

// newSession creates a Connected session with an outbox sized by the config.
func (s *Server) newSession(remoteAddr string) *Session {
	return NewSession(crypto.NewSessionID(), remoteAddr, NewOutbox(s.cfg.QueueCapacity, s.policy))
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Groups returns the group store.
func (s *Server) Groups() *GroupStore {
	return s.groups
}

// Accounts returns the registered accounts.
func (s *Server) Accounts() *Accounts {
	return s.accounts
}

// Router returns the command router.
func (s *Server) Router() *Router {
	return s.router
}

// Events returns the event bus.
func (s *Server) Events() *Events {
	return s.events
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
