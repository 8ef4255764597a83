package proxy

import (
	"context"
	"fmt"
)

// SMTP returns the SMTP verb table. Every session is chained to the
// listener's upstream; messages are classified as they pass through DATA.
func SMTP() *Protocol {
	return &Protocol{
		Name: "smtp",
		verbs: map[string]VerbHandler{
			"HELO":     smtpHello,
			"EHLO":     smtpHello,
			"MAIL":     passThrough,
			"RCPT":     passThrough,
			"RSET":     passThrough,
			"NOOP":     passThrough,
			"VRFY":     passThrough,
			"EXPN":     passThrough,
			"HELP":     passThrough,
			"DATA":     bodyTransfer,
			"STARTTLS": refuse("454 TLS not available"),
			"BDAT":     refuse("502 BDAT not supported"),
			"QUIT":     quit,
		},
		greeting: func(hostname string) string {
			return fmt.Sprintf("220 %s ESMTP popfile proxy ready", hostname)
		},
		unavailable:    "421 service not available",
		connectFailed:  "421 cannot connect to upstream",
		upstreamLost:   "421 upstream connection lost",
		unknown:        "500 unknown command",
		notConnected:   "503 send HELO or EHLO first",
		goodbye:        "221 bye",
		continues:      smtpContinues,
		positive:       smtpPositive,
		bodyFromClient: true,
		chainRequired:  true,
	}
}

// smtpPositive accepts 2xx and 3xx replies.
func smtpPositive(line string) bool {
	return len(line) > 0 && (line[0] == '2' || line[0] == '3')
}

// smtpContinues implements RFC 5321 reply framing: "ddd-" lines are
// followed by more, a "ddd " line ends the reply.
func smtpContinues(cmd command, first, line string, n int) bool {
	return len(line) >= 4 && line[3] == '-'
}

// smtpHello connects to the chain target on the first HELO or EHLO and
// relays the greeting verb.
func smtpHello(ctx context.Context, s *Session, cmd command) error {
	if !s.Connected() {
		if s.cfg.Listener.Upstream == "" {
			s.logger.Info("no chain target configured")
			return s.terminate(s.proto.unavailable)
		}
		if ok, err := s.connectOrFail(ctx, hostPort(s.cfg.Listener.Upstream, "25")); !ok || err != nil {
			return err
		}
	}
	_, err := s.relay(cmd)
	return err
}
