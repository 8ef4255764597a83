package history

import (
	"bufio"
	"crypto/md5"
	"encoding/hex"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// MessageHeaders holds the header fields history keeps for a message.
// From, To, Cc and Subject are decoded for display; MessageID, RawDate and
// RawSubject are kept verbatim for hashing.
type MessageHeaders struct {
	From    string
	To      string
	Cc      string
	Subject string
	Date    string
	Epoch   int64

	MessageID  string
	RawSubject string
}

// Hash returns the content hash of the headers.
func (h MessageHeaders) Hash() string {
	return GetMessageHash(h.MessageID, h.Date, h.RawSubject)
}

// ParseHeaders reads the header block of an RFC 5322 message from r.
// Header names are case-insensitive and folded lines are joined. Anything
// missing or malformed is left empty; Epoch is 0 when Date does not parse.
func ParseHeaders(r io.Reader) MessageHeaders {
	th, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil && th.Len() == 0 {
		return MessageHeaders{}
	}
	h := mail.Header{Header: message.Header{Header: th}}

	mh := MessageHeaders{
		From:       displayText(h, "From"),
		To:         displayText(h, "To"),
		Cc:         displayText(h, "Cc"),
		Subject:    displayText(h, "Subject"),
		Date:       strings.TrimSpace(h.Get("Date")),
		MessageID:  strings.TrimSpace(h.Get("Message-Id")),
		RawSubject: strings.TrimSpace(h.Get("Subject")),
	}
	if t, err := h.Date(); err == nil && !t.IsZero() {
		mh.Epoch = t.Unix()
	}
	return mh
}

func displayText(h mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		v = h.Get(key)
	}
	return strings.TrimSpace(v)
}

// GetMessageHash returns the hex MD5 of "[messageID][date][subject]" with
// each value trimmed. It identifies a message by its headers for
// deduplication and carries no integrity guarantee.
func GetMessageHash(messageID, date, subject string) string {
	sum := md5.Sum([]byte("[" + strings.TrimSpace(messageID) + "][" +
		strings.TrimSpace(date) + "][" + strings.TrimSpace(subject) + "]"))
	return hex.EncodeToString(sum[:])
}
