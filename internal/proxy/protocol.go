package proxy

import (
	"context"
	"strings"
)

// command is one parsed client line.
type command struct {
	// verb is the upper-cased first word.
	verb string
	args []string
	// line is the client line without its terminator, relayed verbatim.
	line string
}

// parseCommand splits a client line into verb and arguments.
func parseCommand(line string) command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{line: line}
	}
	return command{verb: strings.ToUpper(fields[0]), args: fields[1:], line: line}
}

// VerbHandler executes one client command. A non-nil error ends the
// session; handlers that end the session cleanly call s.terminate.
type VerbHandler func(ctx context.Context, s *Session, cmd command) error

// Protocol is a verb table plus the replies and response framing that
// differ between POP3 and SMTP. The relay engine in Session is shared.
type Protocol struct {
	Name string

	verbs map[string]VerbHandler

	greeting      func(hostname string) string
	unavailable   string
	connectFailed string
	upstreamLost  string
	unknown       string
	notConnected  string
	goodbye       string

	// continues reports whether line, the n-th line of a response to cmd
	// whose first line is first, is followed by more lines.
	continues func(cmd command, first, line string, n int) bool

	// positive reports whether a response line accepts the command.
	positive func(line string) bool

	// bodyFromClient is true when the message body flows client to
	// upstream (SMTP DATA) rather than upstream to client (POP3 RETR).
	bodyFromClient bool

	// chainRequired means the listener's upstream is the only possible
	// target, so a listener without one can never serve a session.
	chainRequired bool
}

// handler returns the table entry for verb, or the unknown-verb strategy.
func (p *Protocol) handler(verb string) VerbHandler {
	if h, ok := p.verbs[verb]; ok {
		return h
	}
	return unknownVerb
}

// trimEOL strips a trailing CRLF or LF.
func trimEOL(line string) string {
	return strings.TrimRight(line, "\r\n")
}
