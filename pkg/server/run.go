package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// shutdownGrace bounds how long Shutdown waits for connections to drain.
const shutdownGrace = 5 * time.Second

// Start loads accounts and groups and opens the listeners without blocking.
func (s *Server) Start() error {
	if err := s.accounts.Load(s.ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	slog.Info("loaded accounts", "count", len(s.accounts.All()))

	if s.cfg.GroupsFile != "" {
		if err := LoadGroupsFile(s.cfg.GroupsFile, s.groups); err != nil {
			if !errors.Is(err, fs.ErrNotExist) || !s.cfg.SaveGroups {
				slog.Error("failed to load groups file", "path", s.cfg.GroupsFile, "err", err)
			}
		}
	}

	if err := s.StartControl(); err != nil {
		return err
	}
	s.StartMetricsHTTP()
	return nil
}

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	slog.Info("linechat server running",
		"addr", s.cfg.ListenAddr,
		"metrics", s.cfg.MetricsAddr,
		"guests", s.cfg.AllowGuests,
		"queue", s.cfg.QueueCapacity,
		"overflow", s.policy.String(),
	)

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	return s.Shutdown()
}

// Shutdown closes the listener and every session, then persists state and
// closes the credential store.
func (s *Server) Shutdown() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}

	closed := s.registry.Shutdown()
	s.control.closeAll()
	if !s.control.wait(shutdownGrace) {
		slog.Warn("connections still open after shutdown grace period")
	}
	slog.Info("sessions closed", "registered", len(closed))

	var firstErr error
	if s.cfg.GroupsFile != "" && s.cfg.SaveGroups {
		if err := SaveGroupsFile(s.cfg.GroupsFile, s.groups); err != nil {
			slog.Error("failed to save groups", "path", s.cfg.GroupsFile, "err", err)
			firstErr = err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.accounts.Flush(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("server: close store: %w", err)
	}
	return firstErr
}
