package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/hhoffstaette/popfile/internal/classifier"
	"github.com/hhoffstaette/popfile/internal/logging"
	"github.com/hhoffstaette/popfile/internal/server"
)

// State represents the current state of a proxy session.
type State int

const (
	// StateAwaitingGreeting is the initial state, before the client is greeted.
	StateAwaitingGreeting State = iota

	// StateIdle is waiting for the next client command.
	StateIdle

	// StateTerminated means the session is over and both sides are closed.
	StateTerminated
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAwaitingGreeting:
		return "AWAITING_GREETING"
	case StateIdle:
		return "IDLE"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Session relays one client connection to its upstream server.
type Session struct {
	proto  *Protocol
	cfg    Config
	client *server.Connection
	logger *slog.Logger

	state    State
	upstream *server.Connection
	upAddr   string
	// inBody is set while a message body is streamed, when no reply line
	// can be injected into the client stream.
	inBody bool

	// credential opens the classifier session; the POP3 user name, or the
	// protocol name for SMTP.
	credential string
	cls        classifier.Session
}

// NewSession creates a session for client speaking proto.
func NewSession(proto *Protocol, cfg Config, client *server.Connection) *Session {
	return &Session{
		proto:      proto,
		cfg:        cfg,
		client:     client,
		logger:     slog.Default(),
		credential: proto.Name,
	}
}

// State returns the current session state.
func (s *Session) State() State {
	return s.state
}

// Connected reports whether an upstream connection is open.
func (s *Session) Connected() bool {
	return s.upstream != nil
}

// Serve greets the client and dispatches commands until the session
// terminates. It returns nil when the session ended in an orderly way.
func (s *Session) Serve(ctx context.Context) error {
	s.logger = logging.FromContext(ctx)
	defer s.cleanup()

	if err := s.reply(s.proto.greeting(s.cfg.Hostname)); err != nil {
		return err
	}
	s.state = StateIdle

	for s.state != StateTerminated {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.client.ResetIdleTimeout(); err != nil {
			return fmt.Errorf("%w: %v", ErrClientClosed, err)
		}

		line, err := s.client.Reader().ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("client closed connection")
				return nil
			}
			return fmt.Errorf("%w: %v", ErrClientClosed, err)
		}

		cmd := parseCommand(trimEOL(line))
		s.logger.Debug("received command", "verb", cmd.verb)
		if cmd.verb != "" {
			s.cfg.Collector.CommandProcessed(s.proto.Name, cmd.verb)
		}

		if err := s.proto.handler(cmd.verb)(ctx, s, cmd); err != nil {
			if errors.Is(err, ErrUpstreamClosed) && !s.inBody {
				s.logger.Warn("upstream connection lost", "upstream", s.upAddr, "error", err)
				// The client may already be gone.
				_ = s.reply(s.proto.upstreamLost)
			}
			s.state = StateTerminated
			return err
		}
	}
	return nil
}

func (s *Session) cleanup() {
	s.state = StateTerminated
	if s.upstream != nil {
		s.upstream.Close()
		s.upstream = nil
	}
	if s.cls != nil {
		if err := s.cls.Close(); err != nil {
			s.logger.Warn("failed to close classifier session", "error", err)
		}
		s.cls = nil
	}
}

// terminate ends the session after a final local reply.
func (s *Session) terminate(line string) error {
	s.state = StateTerminated
	return s.reply(line)
}

// reply writes one locally generated line to the client.
func (s *Session) reply(line string) error {
	if err := s.client.SetCommandTimeout(); err != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	if _, err := s.client.Writer().WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	if err := s.client.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	return nil
}

// connect dials addr and consumes the upstream greeting.
func (s *Session) connect(ctx context.Context, addr string) error {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dial(dctx, addr)
	if err != nil {
		s.cfg.Collector.UpstreamFailure(s.proto.Name)
		return fmt.Errorf("%w: %s: %v", ErrUpstreamConnect, addr, err)
	}

	up := server.NewConnection(conn, server.ConnectionConfig{
		CommandTimeout: s.cfg.CommandTimeout,
		LogTransaction: s.cfg.LogTransaction,
		Logger:         s.logger.With("upstream", addr),
	})
	s.upstream = up
	s.upAddr = addr

	greeting, err := s.relayResponse(command{}, false)
	if err != nil || !s.proto.positive(greeting) {
		up.Close()
		s.upstream = nil
		s.cfg.Collector.UpstreamFailure(s.proto.Name)
		if err == nil {
			err = fmt.Errorf("greeting %q", trimEOL(greeting))
		}
		return fmt.Errorf("%w: %s: %v", ErrUpstreamConnect, addr, err)
	}

	s.logger.Info("connected to upstream", "upstream", addr)
	return nil
}

func (s *Session) dial(ctx context.Context, addr string) (net.Conn, error) {
	if s.cfg.Dial != nil {
		return s.cfg.Dial(ctx, "tcp", addr)
	}
	d := &net.Dialer{}
	if !s.cfg.Listener.UpstreamTLS {
		return d.DialContext(ctx, "tcp", addr)
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	td := &tls.Dialer{
		NetDialer: d,
		Config: &tls.Config{
			ServerName: host,
			MinVersion: s.cfg.TLSMinVersion,
		},
	}
	return td.DialContext(ctx, "tcp", addr)
}

// connectOrFail dials addr; on failure it sends the protocol's connect
// failure reply and terminates. ok is false when the session is over.
func (s *Session) connectOrFail(ctx context.Context, addr string) (bool, error) {
	if err := s.connect(ctx, addr); err != nil {
		s.logger.Warn("upstream connect failed", "error", err)
		return false, s.terminate(s.proto.connectFailed)
	}
	return true, nil
}

// sendUpstream writes one command line to the upstream server.
func (s *Session) sendUpstream(line string) error {
	if err := s.upstream.SetCommandTimeout(); err != nil {
		return s.upstreamFailed(err)
	}
	if _, err := s.upstream.Writer().WriteString(line + "\r\n"); err != nil {
		return s.upstreamFailed(err)
	}
	if err := s.upstream.Flush(); err != nil {
		return s.upstreamFailed(err)
	}
	return nil
}

// readUpstream reads one raw line, terminator included.
func (s *Session) readUpstream() (string, error) {
	if err := s.upstream.SetCommandTimeout(); err != nil {
		return "", s.upstreamFailed(err)
	}
	line, err := s.upstream.Reader().ReadString('\n')
	if err != nil {
		return "", s.upstreamFailed(err)
	}
	return line, nil
}

func (s *Session) upstreamFailed(err error) error {
	s.cfg.Collector.UpstreamFailure(s.proto.Name)
	return fmt.Errorf("%w: %v", ErrUpstreamClosed, err)
}

// echo writes a raw upstream line to the client unchanged.
func (s *Session) echo(line string) error {
	if _, err := s.client.Writer().WriteString(line); err != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	return nil
}

func (s *Session) flushClient() error {
	if err := s.client.SetCommandTimeout(); err != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	if err := s.client.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, err)
	}
	return nil
}

// relayResponse reads a complete upstream response to cmd, following the
// protocol's multi-line framing, and echoes it to the client when echo is
// set. It returns the first line.
func (s *Session) relayResponse(cmd command, echo bool) (string, error) {
	first, err := s.readUpstream()
	if err != nil {
		return "", err
	}
	if err := s.relayRest(cmd, first, echo); err != nil {
		return "", err
	}
	return first, nil
}

// relayRest completes a response whose first line has been read: it echoes
// first and every following line of the response when echo is set.
func (s *Session) relayRest(cmd command, first string, echo bool) error {
	line := first
	var err error
	for n := 0; ; n++ {
		if echo {
			if err := s.echo(line); err != nil {
				return err
			}
		}
		if !s.proto.continues(cmd, first, line, n) {
			break
		}
		if line, err = s.readUpstream(); err != nil {
			return err
		}
	}

	if echo {
		return s.flushClient()
	}
	return nil
}

// relay sends cmd upstream verbatim and echoes the response.
func (s *Session) relay(cmd command) (string, error) {
	if err := s.sendUpstream(cmd.line); err != nil {
		return "", err
	}
	return s.relayResponse(cmd, true)
}

// requireUpstream handles a relayed verb arriving before any upstream
// connection. ok is true when the caller may relay.
func (s *Session) requireUpstream() (bool, error) {
	if s.Connected() {
		return true, nil
	}
	if s.proto.chainRequired && s.cfg.Listener.Upstream == "" {
		return false, s.terminate(s.proto.unavailable)
	}
	return false, s.reply(s.proto.notConnected)
}

// passThrough relays a verb and its response.
func passThrough(ctx context.Context, s *Session, cmd command) error {
	ok, err := s.requireUpstream()
	if !ok || err != nil {
		return err
	}
	_, err = s.relay(cmd)
	return err
}

// unknownVerb relays unrecognised verbs when connected and otherwise
// ends the session.
func unknownVerb(ctx context.Context, s *Session, cmd command) error {
	if !s.Connected() {
		s.logger.Info("unknown command before upstream connect", "verb", cmd.verb)
		return s.terminate(s.proto.unknown)
	}
	_, err := s.relay(cmd)
	return err
}

// quit relays QUIT when connected, answers it locally otherwise, and ends
// the session either way.
func quit(ctx context.Context, s *Session, cmd command) error {
	if !s.Connected() {
		return s.terminate(s.proto.goodbye)
	}
	_, err := s.relay(cmd)
	s.state = StateTerminated
	return err
}

// refuse answers a verb locally with a fixed line.
func refuse(line string) VerbHandler {
	return func(ctx context.Context, s *Session, cmd command) error {
		return s.reply(line)
	}
}

// classifierSession opens the classifier working context on first use.
func (s *Session) classifierSession(ctx context.Context) (classifier.Session, error) {
	if s.cls != nil {
		return s.cls, nil
	}
	if s.cfg.Classifier == nil {
		return nil, errors.New("no classifier configured")
	}
	cls, err := s.cfg.Classifier.Open(ctx, s.credential)
	if err != nil {
		return nil, fmt.Errorf("opening classifier session: %w", err)
	}
	s.cls = cls
	return cls, nil
}

// hostPort appends defaultPort to addr when it has none.
func hostPort(addr, defaultPort string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), defaultPort)
}
