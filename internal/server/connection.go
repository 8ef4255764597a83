package server

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionConfig holds per-connection settings.
type ConnectionConfig struct {
	// IdleTimeout bounds the time between two client commands.
	IdleTimeout time.Duration
	// CommandTimeout bounds a single read or write once a command is in flight.
	CommandTimeout time.Duration
	// LogTransaction logs every line read and written at debug level.
	LogTransaction bool
	Logger         *slog.Logger
	// Notify receives classification outcomes; nil discards them.
	Notify func(Notification)
}

// ConnectionHandler serves one accepted connection. It returns when the
// session is over; the caller closes the connection.
type ConnectionHandler func(ctx context.Context, conn *Connection)

// Connection wraps a network connection with buffered I/O and the idle
// and command deadlines the supervisor enforces.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	cfg    ConnectionConfig
	closed atomic.Bool
	once   sync.Once
}

// NewConnection wraps conn.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var r io.Reader = conn
	var w io.Writer = conn
	if cfg.LogTransaction {
		red := &redactor{}
		r = io.TeeReader(conn, &transcript{logger: cfg.Logger, dir: "C", red: red})
		w = io.MultiWriter(conn, &transcript{logger: cfg.Logger, dir: "S", red: red})
	}

	return &Connection{
		conn:   conn,
		reader: bufio.NewReader(r),
		writer: bufio.NewWriter(w),
		cfg:    cfg,
	}
}

// Reader returns the buffered reader for the connection.
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// Writer returns the buffered writer for the connection.
func (c *Connection) Writer() *bufio.Writer {
	return c.writer
}

// Flush writes any buffered data to the connection.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// SetCommandTimeout arms the command deadline.
func (c *Connection) SetCommandTimeout() error {
	if c.cfg.CommandTimeout <= 0 {
		return nil
	}
	return c.conn.SetDeadline(time.Now().Add(c.cfg.CommandTimeout))
}

// ResetIdleTimeout arms the idle deadline.
func (c *Connection) ResetIdleTimeout() error {
	if c.cfg.IdleTimeout <= 0 {
		return nil
	}
	return c.conn.SetDeadline(time.Now().Add(c.cfg.IdleTimeout))
}

// Notify hands a classification outcome to the supervisor. It never blocks.
func (c *Connection) Notify(n Notification) {
	if c.cfg.Notify != nil {
		c.cfg.Notify(n)
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// transcript logs protocol lines at debug level, with credentials masked.
type transcript struct {
	logger *slog.Logger
	dir    string
	red    *redactor
}

func (t *transcript) Write(p []byte) (int, error) {
	for _, line := range strings.SplitAfter(string(p), "\n") {
		if line == "" {
			continue
		}
		t.logger.Debug("transcript", "dir", t.dir, "line", t.red.redact(strings.TrimRight(line, "\r\n")))
	}
	return len(p), nil
}

const redacted = "****"

// redactor masks PASS arguments, AUTH initial responses and every line of
// a SASL exchange until the final reply. Both directions of a connection
// share one redactor.
type redactor struct {
	mu     sync.Mutex
	inAuth bool
}

func (r *redactor) redact(line string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	verb, rest, _ := strings.Cut(line, " ")
	switch strings.ToUpper(verb) {
	case "PASS":
		if rest == "" {
			return line
		}
		return verb + " " + redacted
	case "AUTH":
		r.inAuth = true
		if mech, initial, ok := strings.Cut(rest, " "); ok && initial != "" {
			return verb + " " + mech + " " + redacted
		}
		return line
	}

	if !r.inAuth {
		return line
	}
	switch {
	case isChallenge(line):
		return line
	case isFinalReply(line):
		r.inAuth = false
		return line
	default:
		return redacted
	}
}

// isChallenge matches a POP3 "+ " or SMTP 334 continuation.
func isChallenge(line string) bool {
	return line == "+" || strings.HasPrefix(line, "+ ") || strings.HasPrefix(line, "334")
}

// isFinalReply matches a POP3 status or any SMTP reply line.
func isFinalReply(line string) bool {
	if line == "+OK" || strings.HasPrefix(line, "+OK ") || strings.HasPrefix(line, "-ERR") {
		return true
	}
	if len(line) < 4 || (line[3] != ' ' && line[3] != '-') {
		return false
	}
	for _, c := range line[:3] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// extractIPFromAddr extracts the bare IP from a net.Addr (strips port).
func extractIPFromAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
