// Package keyword provides a rule based classifier backend. Rules match a
// case-insensitive substring against a decoded header field or the message
// body; the first matching rule decides the bucket.
//
// Import this package for side effects to register the "keyword" type:
//
//	import _ "github.com/hhoffstaette/popfile/internal/classifier/keyword"
package keyword

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/hhoffstaette/popfile/internal/classifier"
)

// maxBodyScan bounds how much of a body is held in memory for body rules.
const maxBodyScan = 256 * 1024

func init() {
	classifier.Register("keyword", New)
}

var validFields = map[string]bool{
	"from":    true,
	"to":      true,
	"cc":      true,
	"subject": true,
	"body":    true,
}

type rule struct {
	field    string
	contains string
	bucket   string
	magnet   string
}

// Classifier is the keyword classifier. It holds no per-user state, so
// every credential shares the same rules.
type Classifier struct {
	defaultBucket string
	ids           map[string]int64
	rules         []rule
	needBody      bool
}

// New creates a keyword classifier from config. Bucket ids are assigned in
// order: the default bucket, the configured buckets, then any bucket first
// named by a rule.
func New(cfg classifier.Config) (classifier.Classifier, error) {
	if cfg.DefaultBucket == "" {
		return nil, errors.New("keyword: default bucket is required")
	}

	c := &Classifier{
		defaultBucket: cfg.DefaultBucket,
		ids:           make(map[string]int64),
	}
	c.addBucket(cfg.DefaultBucket)
	for _, b := range cfg.Buckets {
		c.addBucket(b)
	}

	for i, r := range cfg.Rules {
		field := strings.ToLower(strings.TrimSpace(r.Field))
		if !validFields[field] {
			return nil, fmt.Errorf("keyword: rule %d: invalid field %q", i, r.Field)
		}
		if r.Contains == "" {
			return nil, fmt.Errorf("keyword: rule %d: contains is required", i)
		}
		if r.Bucket == "" {
			return nil, fmt.Errorf("keyword: rule %d: bucket is required", i)
		}
		c.addBucket(r.Bucket)
		c.rules = append(c.rules, rule{
			field:    field,
			contains: strings.ToLower(r.Contains),
			bucket:   r.Bucket,
			magnet:   r.Magnet,
		})
		if field == "body" {
			c.needBody = true
		}
	}

	return c, nil
}

func (c *Classifier) addBucket(name string) {
	if name == "" {
		return
	}
	if _, ok := c.ids[name]; ok {
		return
	}
	c.ids[name] = int64(len(c.ids) + 1)
}

// Open returns a session. The credential is accepted but not used.
func (c *Classifier) Open(ctx context.Context, credential string) (classifier.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &session{c: c}, nil
}

// Close is a no-op.
func (c *Classifier) Close() error {
	return nil
}

type session struct {
	c      *Classifier
	closed bool
}

var errSessionClosed = errors.New("keyword: session closed")

func (s *session) BucketID(ctx context.Context, name string) (int64, error) {
	if s.closed {
		return 0, errSessionClosed
	}
	id, ok := s.c.ids[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", classifier.ErrUnknownBucket, name)
	}
	return id, nil
}

func (s *session) Classify(ctx context.Context, r io.Reader) (classifier.Result, error) {
	br := bufio.NewReader(r)
	defer io.Copy(io.Discard, br)

	if s.closed {
		return classifier.Result{}, errSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return classifier.Result{}, err
	}

	def := classifier.Result{Bucket: s.c.defaultBucket}

	th, err := textproto.ReadHeader(br)
	if err != nil {
		// Unparseable messages land in the default bucket.
		return def, nil
	}
	h := mail.Header{Header: message.Header{Header: th}}

	var body string
	if s.c.needBody {
		data, err := io.ReadAll(io.LimitReader(br, maxBodyScan))
		if err != nil {
			return classifier.Result{}, fmt.Errorf("keyword: reading body: %w", err)
		}
		body = strings.ToLower(string(data))
	}

	for _, r := range s.c.rules {
		var value string
		if r.field == "body" {
			value = body
		} else {
			value = strings.ToLower(fieldText(h, r.field))
		}
		if strings.Contains(value, r.contains) {
			return classifier.Result{Bucket: r.bucket, Magnet: r.magnet}, nil
		}
	}

	return def, nil
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

// fieldText returns the decoded value of a header field, falling back to
// the raw value when decoding fails.
func fieldText(h mail.Header, field string) string {
	v, err := h.Text(field)
	if err != nil {
		return h.Get(field)
	}
	return v
}
