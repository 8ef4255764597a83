package proxy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
)

const pop3DefaultPort = "110"

// POP3 returns the POP3 verb table. Messages are classified as they are
// retrieved with RETR.
func POP3() *Protocol {
	return &Protocol{
		Name: "pop3",
		verbs: map[string]VerbHandler{
			"USER": pop3User,
			"APOP": pop3Apop,
			"AUTH": pop3Auth,
			"CAPA": pop3Capa,
			"STLS": refuse("-ERR STLS not supported"),
			"PASS": passThrough,
			"STAT": passThrough,
			"LIST": passThrough,
			"UIDL": passThrough,
			"TOP":  passThrough,
			"DELE": passThrough,
			"NOOP": passThrough,
			"RSET": passThrough,
			"RETR": bodyTransfer,
			"QUIT": quit,
		},
		greeting: func(hostname string) string {
			return fmt.Sprintf("+OK %s POP3 popfile proxy ready", hostname)
		},
		unavailable:   "-ERR service not available",
		connectFailed: "-ERR cannot connect to upstream",
		upstreamLost:  "-ERR upstream connection lost",
		unknown:       "-ERR unknown command",
		notConnected:  "-ERR authenticate first",
		goodbye:       "+OK bye",
		continues:     pop3Continues,
		positive:      pop3Positive,
	}
}

func pop3Positive(line string) bool {
	return strings.HasPrefix(line, "+OK")
}

// pop3Continues implements RFC 1939 multi-line framing: a positive reply
// to a multi-line command runs until a line holding a single ".".
func pop3Continues(cmd command, first, line string, n int) bool {
	if !pop3Positive(first) || !pop3MultiLine(cmd) {
		return false
	}
	return n == 0 || trimEOL(line) != "."
}

func pop3MultiLine(cmd command) bool {
	switch cmd.verb {
	case "CAPA", "TOP":
		return true
	case "LIST", "UIDL", "AUTH":
		return len(cmd.args) == 0
	default:
		return false
	}
}

// splitUser separates "user<sep>host[:port]". host is empty when name
// carries no server.
func splitUser(name, sep string) (user, host string) {
	user, host, found := strings.Cut(name, sep)
	if !found {
		return name, ""
	}
	return user, host
}

// establish connects to the upstream named by host, or to the listener's
// upstream when host is empty. ok is false when the session is over.
func (s *Session) establish(ctx context.Context, host string) (bool, error) {
	if host == "" {
		host = s.cfg.Listener.Upstream
	}
	if host == "" {
		s.logger.Info("no upstream for session")
		return false, s.terminate(s.proto.unavailable)
	}
	return s.connectOrFail(ctx, hostPort(host, pop3DefaultPort))
}

// pop3User handles USER, connecting to the server embedded in the name.
// The upstream only ever sees the bare user name.
func pop3User(ctx context.Context, s *Session, cmd command) error {
	if len(cmd.args) != 1 {
		if s.Connected() {
			_, err := s.relay(cmd)
			return err
		}
		return s.reply("-ERR USER requires a user name")
	}

	user, host := splitUser(cmd.args[0], s.cfg.UserSeparator)
	if !s.Connected() {
		if ok, err := s.establish(ctx, host); !ok || err != nil {
			return err
		}
	}
	s.credential = user

	_, err := s.relay(command{verb: cmd.verb, args: []string{user}, line: "USER " + user})
	return err
}

// pop3Apop handles APOP. The digest is relayed unchanged; it only
// verifies when the upstream's greeting timestamp matches the one the
// client saw.
func pop3Apop(ctx context.Context, s *Session, cmd command) error {
	if len(cmd.args) != 2 {
		if s.Connected() {
			_, err := s.relay(cmd)
			return err
		}
		return s.reply("-ERR APOP requires a user name and digest")
	}

	user, host := splitUser(cmd.args[0], s.cfg.UserSeparator)
	if !s.Connected() {
		if ok, err := s.establish(ctx, host); !ok || err != nil {
			return err
		}
	}
	s.credential = user

	line := "APOP " + user + " " + cmd.args[1]
	_, err := s.relay(command{verb: cmd.verb, args: []string{user, cmd.args[1]}, line: line})
	return err
}

// pop3Capa answers CAPA locally until an upstream is chosen.
func pop3Capa(ctx context.Context, s *Session, cmd command) error {
	if s.Connected() {
		_, err := s.relay(cmd)
		return err
	}
	return s.replyLines("+OK Capability list follows", "USER", "SASL "+sasl.Plain, ".")
}

// pop3Auth handles AUTH. Only PLAIN is proxied: the client's response is
// decoded locally, the server is split out of the user name, and the
// credentials are re-issued upstream.
func pop3Auth(ctx context.Context, s *Session, cmd command) error {
	if len(cmd.args) == 0 {
		if s.Connected() {
			_, err := s.relay(cmd)
			return err
		}
		return s.replyLines("+OK", sasl.Plain, ".")
	}
	if !strings.EqualFold(cmd.args[0], sasl.Plain) {
		return s.reply("-ERR unsupported mechanism")
	}

	var encoded string
	if len(cmd.args) > 1 {
		encoded = cmd.args[1]
	} else {
		if err := s.reply("+ "); err != nil {
			return err
		}
		line, err := s.client.Reader().ReadString('\n')
		if err != nil {
			return fmt.Errorf("%w: %v", ErrClientClosed, err)
		}
		encoded = strings.TrimSpace(line)
	}
	if encoded == "*" {
		return s.reply("-ERR authentication cancelled")
	}

	identity, username, password, err := decodePlain(encoded)
	if err != nil {
		s.logger.Debug("invalid AUTH PLAIN response", "error", err)
		return s.reply("-ERR invalid authentication data")
	}

	user, host := splitUser(username, s.cfg.UserSeparator)
	if !s.Connected() {
		if ok, err := s.establish(ctx, host); !ok || err != nil {
			return err
		}
	}
	s.credential = user

	return s.authPlainUpstream(identity, user, password)
}

// decodePlain runs a SASL PLAIN server over one base64 response.
func decodePlain(encoded string) (identity, username, password string, err error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", "", err
	}
	srv := sasl.NewPlainServer(func(id, user, pass string) error {
		identity, username, password = id, user, pass
		return nil
	})
	if _, done, err := srv.Next(raw); err != nil {
		return "", "", "", err
	} else if !done {
		return "", "", "", errors.New("incomplete PLAIN exchange")
	}
	return identity, username, password, nil
}

// authPlainUpstream re-issues PLAIN credentials with a SASL client and
// echoes the upstream's final reply.
func (s *Session) authPlainUpstream(identity, user, password string) error {
	client := sasl.NewPlainClient(identity, user, password)
	mech, ir, err := client.Start()
	if err != nil {
		return s.reply("-ERR " + err.Error())
	}

	if err := s.sendUpstream("AUTH " + mech); err != nil {
		return err
	}
	resp, err := s.readUpstream()
	if err != nil {
		return err
	}
	if strings.HasPrefix(resp, "+ ") || trimEOL(resp) == "+" {
		if err := s.sendUpstream(base64.StdEncoding.EncodeToString(ir)); err != nil {
			return err
		}
		if resp, err = s.readUpstream(); err != nil {
			return err
		}
	}

	if err := s.echo(resp); err != nil {
		return err
	}
	return s.flushClient()
}

// replyLines writes several locally generated lines.
func (s *Session) replyLines(lines ...string) error {
	return s.reply(strings.Join(lines, "\r\n"))
}
