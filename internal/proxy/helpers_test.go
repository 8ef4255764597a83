package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hhoffstaette/popfile/internal/classifier"
	"github.com/hhoffstaette/popfile/internal/config"
	"github.com/hhoffstaette/popfile/internal/logging"
	"github.com/hhoffstaette/popfile/internal/metrics"
	"github.com/hhoffstaette/popfile/internal/server"
)

// fakeStore records slot traffic instead of writing a database.
type fakeStore struct {
	dir string

	mu        sync.Mutex
	next      uint32
	reserved  []uint32
	released  []uint32
	committed map[uint32]string
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	return &fakeStore{dir: t.TempDir(), next: 100, committed: make(map[uint32]string)}
}

func (f *fakeStore) ReserveSlot(ctx context.Context) (uint32, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.reserved = append(f.reserved, f.next)
	return f.next, filepath.Join(f.dir, fmt.Sprintf("slot%d.msg", f.next)), nil
}

func (f *fakeStore) ReleaseSlot(ctx context.Context, id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeStore) CommitSlot(id uint32, bucket, magnet string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed[id] = bucket + ":" + magnet
}

func (f *fakeStore) counts() (reserved, released, committed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reserved), len(f.released), len(f.committed)
}

func (f *fakeStore) commitFor(id uint32) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed[id]
}

func (f *fakeStore) slotFile(t *testing.T, id uint32) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, fmt.Sprintf("slot%d.msg", id)))
	if err != nil {
		t.Fatalf("reading slot file: %v", err)
	}
	return string(data)
}

// countingClassifier returns a fixed result and records how it was used.
type countingClassifier struct {
	result classifier.Result
	err    error

	mu          sync.Mutex
	opens       int
	classified  int
	credentials []string
	bodies      []string
}

func (c *countingClassifier) Open(ctx context.Context, credential string) (classifier.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	c.credentials = append(c.credentials, credential)
	return &countingSession{c: c}, nil
}

func (c *countingClassifier) Close() error { return nil }

func (c *countingClassifier) calls() (opens, classified int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.classified
}

func (c *countingClassifier) seen() (credentials, bodies []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.credentials...), append([]string(nil), c.bodies...)
}

type countingSession struct {
	c *countingClassifier
}

func (s *countingSession) BucketID(ctx context.Context, name string) (int64, error) {
	return 1, nil
}

func (s *countingSession) Classify(ctx context.Context, r io.Reader) (classifier.Result, error) {
	body, err := io.ReadAll(r)
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	s.c.classified++
	s.c.bodies = append(s.c.bodies, string(body))
	if err != nil {
		return classifier.Result{}, err
	}
	return s.c.result, s.c.err
}

func (s *countingSession) Close() error { return nil }

// scriptedUpstream is a line-oriented fake mail server. respond maps each
// received line to the raw bytes sent back and whether to hang up after
// sending them.
type scriptedUpstream struct {
	ln net.Listener

	mu       sync.Mutex
	received []string
}

func newScriptedUpstream(t *testing.T, greeting string, respond func(line string) (string, bool)) *scriptedUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	u := &scriptedUpstream{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go u.serve(conn, greeting, respond)
		}
	}()
	return u
}

func (u *scriptedUpstream) serve(conn net.Conn, greeting string, respond func(string) (string, bool)) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	r := bufio.NewReader(conn)
	if _, err := io.WriteString(conn, greeting); err != nil {
		return
	}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		u.mu.Lock()
		u.received = append(u.received, line)
		u.mu.Unlock()

		reply, hangup := respond(line)
		if _, err := io.WriteString(conn, reply); err != nil || hangup {
			return
		}
	}
}

func (u *scriptedUpstream) addr() string {
	return u.ln.Addr().String()
}

func (u *scriptedUpstream) lines() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.received...)
}

// testClient drives a session over net.Pipe.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readUntilDot reads a multi-line response including its first line and
// returns every line before the terminator.
func (c *testClient) readUntilDot() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		if line == "." {
			return lines
		}
		lines = append(lines, line)
	}
}

// expectClosed asserts the session hung up.
func (c *testClient) expectClosed() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if line, err := c.r.ReadString('\n'); err == nil {
		c.t.Fatalf("expected connection to close, got %q", line)
	}
}

// sessionHarness is the client side of one served session plus the
// notifications the session emitted.
type sessionHarness struct {
	client  *testClient
	session *Session
	done    chan error
	mu      sync.Mutex
	notices []server.Notification
}

func (h *sessionHarness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
		return nil
	}
}

// state is only meaningful after wait returned.
func (h *sessionHarness) state() State {
	return h.session.State()
}

func (h *sessionHarness) notifications() []server.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]server.Notification(nil), h.notices...)
}

// runSession serves one session for proto on a net.Pipe.
func runSession(t *testing.T, proto *Protocol, cfg Config) *sessionHarness {
	t.Helper()

	if cfg.Hostname == "" {
		cfg.Hostname = "proxy.test"
	}
	if cfg.UserSeparator == "" {
		cfg.UserSeparator = ":"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Second
	}
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	h := &sessionHarness{
		client: &testClient{t: t, conn: clientConn, r: bufio.NewReader(clientConn)},
		done:   make(chan error, 1),
	}

	conn := server.NewConnection(serverConn, server.ConnectionConfig{
		IdleTimeout:    5 * time.Second,
		CommandTimeout: 5 * time.Second,
		Logger:         logging.NewLogger("error"),
		Notify: func(n server.Notification) {
			h.mu.Lock()
			h.notices = append(h.notices, n)
			h.mu.Unlock()
		},
	})

	h.session = NewSession(proto, cfg, conn)
	ctx := logging.WithLogger(context.Background(), logging.NewLogger("error"))
	go func() {
		err := h.session.Serve(ctx)
		conn.Close()
		h.done <- err
	}()
	return h
}

func pop3Listener(upstream string) config.ListenerConfig {
	return config.ListenerConfig{Address: "127.0.0.1:0", Mode: config.ModePOP3, Upstream: upstream}
}

func smtpListener(upstream string) config.ListenerConfig {
	return config.ListenerConfig{Address: "127.0.0.1:0", Mode: config.ModeSMTP, Upstream: upstream}
}

var errRefused = errors.New("connection refused")

// refusingDial fails every upstream connect.
func refusingDial(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, errRefused
}
