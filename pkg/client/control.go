// Package client implements the linechat client connection.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/linechat/pkg/protocol"
)

// LineHandler is a callback for lines received from the server.
type LineHandler func(line string)

// ControlClient manages the TCP connection to a linechat server.
type ControlClient struct {
	conn    net.Conn
	reader  *bufio.Reader
	mu      sync.Mutex
	handler LineHandler
	done    chan struct{}

	loggedIn atomic.Bool
}

// NewControlClient connects to the server at addr.
func NewControlClient(ctx context.Context, addr string) (*ControlClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return newControlClient(conn), nil
}

func newControlClient(conn net.Conn) *ControlClient {
	return &ControlClient{
		conn:   conn,
		reader: bufio.NewReader(conn),
		done:   make(chan struct{}),
	}
}

// SetLineHandler sets the callback for incoming lines. Call it before
// StartReceiving.
func (c *ControlClient) SetLineHandler(handler LineHandler) {
	c.handler = handler
}

// Send writes one request line.
func (c *ControlClient) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteLine(c.conn, line)
}

func (c *ControlClient) readLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Login sends LOGIN and waits for the outcome, skipping unrelated lines such
// as the welcome banner. It must be called before StartReceiving.
func (c *ControlClient) Login(username, password string, timeout time.Duration) error {
	line := "LOGIN:" + username
	if password != "" {
		line += ":" + password
	}
	if err := c.Send(line); err != nil {
		return fmt.Errorf("client: send login: %w", err)
	}

	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()
	}
	for {
		reply, err := c.readLine()
		if err != nil {
			return fmt.Errorf("client: read login response: %w", err)
		}
		switch {
		case strings.HasPrefix(reply, "LOGIN_SUCCESS:"):
			c.loggedIn.Store(true)
			return nil
		case strings.HasPrefix(reply, "LOGIN_FAILED:"):
			return fmt.Errorf("login failed: %s", strings.TrimPrefix(reply, "LOGIN_FAILED:"))
		default:
			if c.handler != nil {
				c.handler(reply)
			}
		}
	}
}

// StartReceiving starts a goroutine that reads incoming lines and passes them
// to the line handler.
func (c *ControlClient) StartReceiving() {
	go func() {
		defer close(c.done)
		for {
			line, err := c.readLine()
			if err != nil {
				if errors.Is(err, io.EOF) || isClosedErr(err) {
					slog.Debug("connection closed")
					return
				}
				slog.Error("read error", "err", err)
				return
			}
			c.track(line)
			if c.handler != nil {
				c.handler(line)
			}
		}
	}()
}

// track follows login state from replies to lines typed by the user.
func (c *ControlClient) track(line string) {
	switch {
	case strings.HasPrefix(line, "LOGIN_SUCCESS:"):
		c.loggedIn.Store(true)
	case strings.HasPrefix(line, "LOGOUT_SUCCESS:"), strings.HasPrefix(line, "ACCOUNT_DELETED:"):
		c.loggedIn.Store(false)
	}
}

// LoggedIn reports whether the server has accepted a login on this connection.
func (c *ControlClient) LoggedIn() bool {
	return c.loggedIn.Load()
}

// Quit ends the session and closes the connection. A logged-in client sends
// LOGOUT first and waits up to timeout for the server to hang up; otherwise
// the connection is closed at once, since the server only answers LOGOUT
// for authenticated sessions.
func (c *ControlClient) Quit(timeout time.Duration) error {
	if c.LoggedIn() {
		if err := c.Send("LOGOUT"); err == nil {
			select {
			case <-c.done:
			case <-time.After(timeout):
				slog.Debug("server did not close after logout", "timeout", timeout)
			}
		}
	}
	if err := c.Close(); err != nil && !isClosedErr(err) {
		return fmt.Errorf("client: close: %w", err)
	}
	return nil
}

// Close closes the connection.
func (c *ControlClient) Close() error {
	return c.conn.Close()
}

// Done returns a channel that's closed when the connection is lost.
func (c *ControlClient) Done() <-chan struct{} {
	return c.done
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
