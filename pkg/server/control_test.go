package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	done chan struct{}
}

// dial connects a client to srv over an in-memory pipe.
func dial(t *testing.T, srv *Server) *testClient {
	t.Helper()
	client, server := net.Pipe()
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))

	c := &testClient{t: t, conn: client, r: bufio.NewReader(client), done: make(chan struct{})}
	srv.control.wg.Add(1)
	go func() {
		defer srv.control.wg.Done()
		defer close(c.done)
		srv.control.serveConn(server)
	}()
	t.Cleanup(func() { _ = client.Close() })

	c.expect("[system] " + welcomeText)
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := io.WriteString(c.conn, line+"\n"); err != nil {
		c.t.Fatalf("write %q: %v", line, err)
	}
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	got, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read (want %q): %v", want, err)
	}
	if got = strings.TrimSuffix(got, "\n"); got != want {
		c.t.Fatalf("got %q, want %q", got, want)
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	if line, err := c.r.ReadString('\n'); err == nil {
		c.t.Fatalf("expected EOF, got %q", line)
	}
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.t.Fatal("connection handler did not exit")
	}
}

func TestControlLoginPingLogout(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)

	c.send("PING")
	c.expect("PONG")
	c.send("LOGIN:alice")
	c.expect("LOGIN_SUCCESS:alice")
	c.send("LIST")
	c.expect("USERLIST:alice")
	c.send("LOGOUT")
	c.expect("LOGOUT_SUCCESS:alice")
	c.expectClosed()

	if _, ok := srv.registry.Lookup("alice"); ok {
		t.Fatal("alice still registered after logout")
	}
	if got := srv.metrics.ActiveConnections.Load(); got != 0 {
		t.Fatalf("ActiveConnections = %d", got)
	}
}

func TestControlBroadcastAndDeparture(t *testing.T) {
	srv, _ := newTestServer(t)
	alice := dial(t, srv)
	alice.send("LOGIN:alice")
	alice.expect("LOGIN_SUCCESS:alice")

	bob := dial(t, srv)
	bob.send("LOGIN:bob")
	bob.expect("LOGIN_SUCCESS:bob")
	alice.expect("[system] bob joined")

	bob.send("BROADCAST:hi: everyone")
	alice.expect("[bob] hi: everyone")

	alice.send("PRIVATE:bob:psst")
	alice.expect("MESSAGE_SUCCESS:bob")
	bob.expect("[alice -> bob] psst")

	_ = bob.conn.Close()
	alice.expect("[system] bob left")
	<-bob.done

	alice.send("LIST")
	alice.expect("USERLIST:alice")
}

func TestControlRejectsLongLines(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) { c.MaxLineLength = 16 })
	c := dial(t, srv)

	// The server stops reading mid-line, so the write cannot complete.
	go func() { _, _ = io.WriteString(c.conn, "BROADCAST:"+strings.Repeat("x", 64)+"\n") }()
	c.expect("ERROR:line exceeds 16 bytes")
	c.expectClosed()
}

func TestControlIdleTimeout(t *testing.T) {
	srv, _ := newTestServer(t, func(c *Config) { c.IdleTimeout = 50 * time.Millisecond })
	c := dial(t, srv)

	c.expect("[system] idle timeout")
	c.expectClosed()
}

func TestShutdownClosesConnections(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)
	c.send("LOGIN:alice")
	c.expect("LOGIN_SUCCESS:alice")

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	c.expectClosed()
	if srv.registry.Count() != 0 {
		t.Fatalf("registry not empty: %d", srv.registry.Count())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	c := dial(t, srv)
	c.send("LOGIN:alice")
	c.expect("LOGIN_SUCCESS:alice")

	rec := httptest.NewRecorder()
	srv.metricsMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"linechat_connections_active 1",
		"linechat_users_online 1",
		"linechat_auth_success_total 1",
		`linechat_build_info{commit="unknown",date="unknown",version="dev"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}

	rec = httptest.NewRecorder()
	srv.metricsMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d", rec.Code)
	}
}

func TestIsClosedErr(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{fmt.Errorf("write: %w", net.ErrClosed), true},
		{io.EOF, true},
		{io.ErrClosedPipe, true},
		{errors.New("use of closed network connection"), false},
	}
	for _, tt := range tests {
		if got := isClosedErr(tt.err); got != tt.want {
			t.Errorf("isClosedErr(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
