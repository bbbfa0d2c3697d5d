package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/linechat/pkg/model"
	"github.com/NicolasHaas/linechat/pkg/protocol"
)

// writeTimeout bounds a single batch write to a client.
const writeTimeout = 10 * time.Second

const welcomeText = "welcome to linechat, LOGIN:<name>[:<password>] to start"

// ControlHandler serves TCP line connections, one reader and one writer
// goroutine per connection.
type ControlHandler struct {
	server  *Server
	mu      sync.RWMutex
	connMap map[string]net.Conn // sessionID -> conn
	wg      sync.WaitGroup
}

// newControlHandler creates a control handler.
func newControlHandler(srv *Server) *ControlHandler {
	return &ControlHandler{
		server:  srv,
		connMap: make(map[string]net.Conn),
	}
}

func (h *ControlHandler) setConn(sessionID string, conn net.Conn) {
	h.mu.Lock()
	h.connMap[sessionID] = conn
	h.mu.Unlock()
}

func (h *ControlHandler) removeConn(sessionID string) {
	h.mu.Lock()
	delete(h.connMap, sessionID)
	h.mu.Unlock()
}

// Conns returns the number of open connections.
func (h *ControlHandler) Conns() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connMap)
}

// closeAll closes every open connection, ending their read loops.
func (h *ControlHandler) closeAll() {
	h.mu.RLock()
	conns := make([]net.Conn, 0, len(h.connMap))
	for _, c := range h.connMap {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// wait blocks until every connection goroutine has exited or timeout passes.
func (h *ControlHandler) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// StartControl starts the TCP listener.
func (s *Server) StartControl() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	slog.Info("listening", "addr", ln.Addr().String())
	go s.Serve(ln)
	return nil
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("accept error", "err", err)
			continue
		}
		s.control.wg.Add(1)
		go func() {
			defer s.control.wg.Done()
			s.control.serveConn(conn)
		}()
	}
}

// serveConn runs one connection to completion.
func (h *ControlHandler) serveConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	srv := h.server
	m := srv.metrics
	m.TotalConnections.Add(1)
	m.ActiveConnections.Add(1)
	defer m.ActiveConnections.Add(-1)

	sess := srv.newSession(conn.RemoteAddr().String())
	h.setConn(sess.ID, conn)
	defer h.removeConn(sess.ID)
	slog.Debug("new connection", "remote", sess.RemoteAddr, "session", sess.ID)

	sess.OnEvict(func() {
		m.Evictions.Add(1)
		slog.Warn("evicting slow session", "session", sess.ID, "user", sess.Username())
		_ = conn.Close()
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, sess)
	}()

	_ = sess.Send(protocol.FormatSystem(welcomeText))
	flush := h.readLoop(conn, sess)
	srv.router.Disconnect(sess, flush)
	<-writerDone
	slog.Debug("connection closed", "remote", sess.RemoteAddr, "session", sess.ID)
}

// readLoop feeds request lines to the router until the session closes or the
// transport fails. It reports whether queued output should still be flushed.
func (h *ControlHandler) readLoop(conn net.Conn, sess *Session) (flush bool) {
	srv := h.server
	idle := srv.cfg.IdleTimeout
	sc := protocol.NewLineScanner(conn, srv.cfg.MaxLineLength)

	for {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
		if !sc.Scan() {
			break
		}
		srv.router.Dispatch(srv.ctx, sess, sc.Text())
		if sess.State() == model.SessionClosed {
			return true
		}
	}

	err := sc.Err()
	var ne net.Error
	switch {
	case err == nil, isClosedErr(err):
		return false
	case errors.Is(err, bufio.ErrTooLong):
		srv.metrics.CommandErrors.Add(1)
		_ = sess.Send(protocol.Error(fmt.Sprintf("line exceeds %d bytes", srv.cfg.MaxLineLength)))
		return true
	case errors.As(err, &ne) && ne.Timeout():
		slog.Info("closing idle session", "session", sess.ID, "user", sess.Username())
		_ = sess.Send(protocol.FormatSystem("idle timeout"))
		return true
	default:
		slog.Debug("read error", "session", sess.ID, "err", err)
		return false
	}
}

// writeLoop drains the session outbox onto the connection.
func (h *ControlHandler) writeLoop(conn net.Conn, sess *Session) {
	w := bufio.NewWriter(conn)
	for {
		batch, ok := sess.out.Next(nil)
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		var err error
		for _, line := range batch {
			if err = protocol.WriteLine(w, line); err != nil {
				break
			}
		}
		if err == nil {
			err = w.Flush()
		}
		if err != nil {
			if !isClosedErr(err) {
				slog.Debug("write error", "session", sess.ID, "err", err)
			}
			h.server.router.Disconnect(sess, false)
			_ = conn.Close()
			return
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
