package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/hhoffstaette/popfile/internal/classifier"
	"github.com/hhoffstaette/popfile/internal/logging"
	"github.com/hhoffstaette/popfile/internal/server"
)

const smtpMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: quarterly report\r\n" +
	"\r\n" +
	"Numbers attached.\r\n" +
	".hidden line\r\n"

// smtpBackend is an upstream MTA that keeps delivered messages in memory.
type smtpBackend struct {
	reject bool

	mu       sync.Mutex
	messages []string
}

func (b *smtpBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &smtpSession{b: b}, nil
}

func (b *smtpBackend) delivered() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.messages...)
}

type smtpSession struct {
	b *smtpBackend
}

func (s *smtpSession) Reset()        {}
func (s *smtpSession) Logout() error { return nil }

func (s *smtpSession) Mail(from string, opts *smtp.MailOptions) error { return nil }

func (s *smtpSession) Rcpt(to string, opts *smtp.RcptOptions) error { return nil }

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.b.reject {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "message rejected",
		}
	}
	s.b.mu.Lock()
	s.b.messages = append(s.b.messages, string(data))
	s.b.mu.Unlock()
	return nil
}

func newSMTPUpstream(t *testing.T, be *smtpBackend) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := smtp.NewServer(be)
	s.Domain = "upstream.test"
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second
	s.AllowInsecureAuth = true
	go s.Serve(ln) //nolint:errcheck
	t.Cleanup(func() { s.Close() })
	return ln.Addr().String()
}

// serveProxy accepts connections on a loopback listener and proxies each
// one with the handler built from cfg.
func serveProxy(t *testing.T, cfg Config) string {
	t.Helper()
	handler, err := Handler(cfg)
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx := logging.WithLogger(context.Background(), logging.NewLogger("error"))
	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				c := server.NewConnection(nc, server.ConnectionConfig{
					IdleTimeout:    5 * time.Second,
					CommandTimeout: 5 * time.Second,
				})
				defer c.Close()
				handler(ctx, c)
			}()
		}
	}()
	return ln.Addr().String()
}

// sendThroughProxy delivers msg and always ends with QUIT, so the session
// has finished handling DATA when it returns. It returns the error from
// ending DATA.
func sendThroughProxy(t *testing.T, addr, msg string) error {
	t.Helper()
	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.test"); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if err := c.Mail("alice@example.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := c.Rcpt("bob@example.com", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if _, err := io.WriteString(w, msg); err != nil {
		t.Fatalf("writing message: %v", err)
	}
	dataErr := w.Close()
	if err := c.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	return dataErr
}

func TestSMTPRelayClassifiesMessage(t *testing.T) {
	be := &smtpBackend{}
	store := newFakeStore(t)
	cls := &countingClassifier{result: classifier.Result{Bucket: "work"}}
	addr := serveProxy(t, Config{
		Hostname:   "proxy.test",
		Listener:   smtpListener(newSMTPUpstream(t, be)),
		Store:      store,
		Classifier: cls,
	})

	if err := sendThroughProxy(t, addr, smtpMessage); err != nil {
		t.Fatalf("sending: %v", err)
	}

	got := be.delivered()
	if len(got) != 1 {
		t.Fatalf("upstream received %d messages, want 1", len(got))
	}
	if norm := strings.ReplaceAll(got[0], "\r\n", "\n"); norm != strings.ReplaceAll(smtpMessage, "\r\n", "\n") {
		t.Errorf("upstream received %q", got[0])
	}

	// QUIT is only answered once the session has committed the slot.
	if c := store.commitFor(101); c != "work:" {
		t.Errorf("committed %q, want %q", c, "work:")
	}
	if body := store.slotFile(t, 101); body != smtpMessage {
		t.Errorf("slot file = %q, want %q", body, smtpMessage)
	}
	if creds, _ := cls.seen(); !reflect.DeepEqual(creds, []string{"smtp"}) {
		t.Errorf("classifier credentials = %v, want [smtp]", creds)
	}
}

func TestSMTPRejectedMessageReleasesSlot(t *testing.T) {
	be := &smtpBackend{reject: true}
	store := newFakeStore(t)
	addr := serveProxy(t, Config{
		Listener:   smtpListener(newSMTPUpstream(t, be)),
		Store:      store,
		Classifier: &countingClassifier{result: classifier.Result{Bucket: "work"}},
	})

	err := sendThroughProxy(t, addr, smtpMessage)
	if err == nil {
		t.Fatal("expected the upstream rejection to reach the client")
	}
	if !strings.Contains(err.Error(), "message rejected") {
		t.Errorf("client error = %v", err)
	}

	reserved, released, committed := store.counts()
	if reserved != 1 || released != 1 || committed != 0 {
		t.Errorf("reserved=%d released=%d committed=%d, want 1/1/0", reserved, released, committed)
	}
}

func TestSMTPNoChainTarget(t *testing.T) {
	store := newFakeStore(t)
	cls := &countingClassifier{}
	h := runSession(t, SMTP(), Config{
		Listener:   smtpListener(""),
		Store:      store,
		Classifier: cls,
	})

	expectLine(t, h.client, "220 proxy.test ESMTP popfile proxy ready")
	h.client.send("EHLO client.test")
	expectLine(t, h.client, "421 service not available")
	h.client.expectClosed()

	if err := h.wait(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if opens, _ := cls.calls(); opens != 0 {
		t.Errorf("classifier opened %d times, want 0", opens)
	}
	if reserved, _, _ := store.counts(); reserved != 0 {
		t.Errorf("reserved %d slots, want 0", reserved)
	}
}

func TestSMTPNoChainTargetOnPassThroughVerb(t *testing.T) {
	h := runSession(t, SMTP(), Config{Listener: smtpListener(""), Store: newFakeStore(t)})
	h.client.readLine()
	h.client.send("MAIL FROM:<alice@example.com>")
	expectLine(t, h.client, "421 service not available")
	h.client.expectClosed()
	if err := h.wait(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestSMTPConnectFailure(t *testing.T) {
	cls := &countingClassifier{}
	dialer := &recordingDial{}
	h := runSession(t, SMTP(), Config{
		Listener:   smtpListener("mx.example.com"),
		Dial:       dialer.dial,
		Store:      newFakeStore(t),
		Classifier: cls,
	})

	h.client.readLine()
	h.client.send("HELO client.test")
	expectLine(t, h.client, "421 cannot connect to upstream")
	h.client.expectClosed()

	if err := h.wait(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if want := []string{"mx.example.com:25"}; !reflect.DeepEqual(dialer.addrs, want) {
		t.Errorf("dialed %v, want %v", dialer.addrs, want)
	}
	if opens, classified := cls.calls(); opens != 0 || classified != 0 {
		t.Errorf("classifier used (opens=%d classified=%d), want untouched", opens, classified)
	}
}

func TestSMTPLocalRepliesBeforeHello(t *testing.T) {
	h := runSession(t, SMTP(), Config{
		Listener: smtpListener("mx.example.com:25"),
		Dial:     refusingDial,
		Store:    newFakeStore(t),
	})
	h.client.readLine()

	tests := []struct {
		send string
		want string
	}{
		{"MAIL FROM:<alice@example.com>", "503 send HELO or EHLO first"},
		{"DATA", "503 send HELO or EHLO first"},
		{"STARTTLS", "454 TLS not available"},
		{"BDAT 10 LAST", "502 BDAT not supported"},
	}
	for _, tt := range tests {
		h.client.send(tt.send)
		if got := h.client.readLine(); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.send, got, tt.want)
		}
	}

	h.client.send("QUIT")
	expectLine(t, h.client, "221 bye")
	h.client.expectClosed()
	if err := h.wait(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestSMTPUnknownVerbBeforeHello(t *testing.T) {
	h := runSession(t, SMTP(), Config{Listener: smtpListener("mx.example.com:25"), Store: newFakeStore(t)})
	h.client.readLine()
	h.client.send("XCLIENT ADDR=1.2.3.4")
	expectLine(t, h.client, "500 unknown command")
	h.client.expectClosed()
	if err := h.wait(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

// smtpScript answers EHLO and NOOP and refuses DATA with a multi-line
// reply. The upstream hangs up after EHLO when hangup is set.
func smtpScript(hangup bool) func(string) (string, bool) {
	return func(line string) (string, bool) {
		switch verb, _, _ := strings.Cut(strings.ToUpper(line), " "); verb {
		case "EHLO", "HELO":
			return "250 upstream.test\r\n", hangup
		case "MAIL", "RCPT", "NOOP":
			return "250 2.0.0 ok\r\n", false
		case "DATA":
			return "554-5.5.1 no valid recipients\r\n554 5.5.1 rejected\r\n", false
		case "QUIT":
			return "221 2.0.0 bye\r\n", true
		default:
			return "500 unrecognised\r\n", false
		}
	}
}

func TestSMTPMultiLineDataRefusalKeepsSync(t *testing.T) {
	up := newScriptedUpstream(t, "220 upstream.test ESMTP\r\n", smtpScript(false))
	store := newFakeStore(t)
	h := runSession(t, SMTP(), Config{
		Listener:   smtpListener(up.addr()),
		Store:      store,
		Classifier: &countingClassifier{},
	})

	h.client.readLine()
	h.client.send("EHLO client.test")
	expectLine(t, h.client, "250 upstream.test")
	h.client.send("DATA")
	expectLine(t, h.client, "554-5.5.1 no valid recipients")
	expectLine(t, h.client, "554 5.5.1 rejected")
	h.client.send("NOOP")
	expectLine(t, h.client, "250 2.0.0 ok")
	h.client.send("QUIT")
	expectLine(t, h.client, "221 2.0.0 bye")

	if err := h.wait(t); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if reserved, _, _ := store.counts(); reserved != 0 {
		t.Errorf("reserved %d slots, want 0", reserved)
	}
	if h.state() != StateTerminated {
		t.Errorf("state = %v, want %v", h.state(), StateTerminated)
	}
}

func TestSMTPUpstreamLostBetweenCommands(t *testing.T) {
	up := newScriptedUpstream(t, "220 upstream.test ESMTP\r\n", smtpScript(true))
	h := runSession(t, SMTP(), Config{Listener: smtpListener(up.addr()), Store: newFakeStore(t)})

	h.client.readLine()
	h.client.send("EHLO client.test")
	expectLine(t, h.client, "250 upstream.test")
	h.client.send("MAIL FROM:<alice@example.com>")
	expectLine(t, h.client, "421 upstream connection lost")
	h.client.expectClosed()

	if err := h.wait(t); !errors.Is(err, ErrUpstreamClosed) {
		t.Fatalf("Serve error = %v, want ErrUpstreamClosed", err)
	}
}

func TestHandlerRejectsUnknownMode(t *testing.T) {
	_, err := Handler(Config{Listener: smtpListener("")})
	if err != nil {
		t.Fatalf("smtp: %v", err)
	}
	lc := smtpListener("")
	lc.Mode = "imap"
	if _, err := Handler(Config{Listener: lc}); err == nil {
		t.Fatal("expected an error for mode imap")
	}
}
