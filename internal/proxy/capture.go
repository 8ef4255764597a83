package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hhoffstaette/popfile/internal/classifier"
	"github.com/hhoffstaette/popfile/internal/history"
	"github.com/hhoffstaette/popfile/internal/server"
)

// SlotStore is the part of the history store a session writes to.
type SlotStore interface {
	ReserveSlot(ctx context.Context) (uint32, string, error)
	ReleaseSlot(ctx context.Context, id uint32) error
	CommitSlot(id uint32, bucket, magnet string)
}

type classifyOutcome struct {
	result classifier.Result
	err    error
}

// capture receives the unstuffed body of one message, writing it to the
// reserved slot file and streaming it to the classifier at the same time.
// Write never fails: a broken file or classifier only loses the capture,
// never the relay.
type capture struct {
	slot    uint32
	file    *os.File
	pw      *io.PipeWriter
	outcome chan classifyOutcome
	size    int64
	err     error
}

// beginCapture reserves a slot and starts classification. On failure the
// message is still relayed but not recorded, and nil is returned.
func (s *Session) beginCapture(ctx context.Context) *capture {
	if s.cfg.Store == nil {
		return nil
	}

	id, path, err := s.cfg.Store.ReserveSlot(ctx)
	if err != nil {
		s.logger.Error("failed to reserve slot", "error", err)
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		s.logger.Error("failed to create slot file", "slot", id, "error", err)
		s.release(ctx, id)
		return nil
	}

	c := &capture{slot: id, file: f, outcome: make(chan classifyOutcome, 1)}

	cls, err := s.classifierSession(ctx)
	if err != nil {
		s.logger.Warn("classifier unavailable, message will be unclassified", "error", err)
		c.outcome <- classifyOutcome{result: classifier.Result{Bucket: history.BucketUnclassified}}
		return c
	}

	pr, pw := io.Pipe()
	c.pw = pw
	go func() {
		res, err := cls.Classify(ctx, pr)
		// Keep consuming so the relay never blocks on a classifier that
		// stopped reading early.
		io.Copy(io.Discard, pr)
		c.outcome <- classifyOutcome{result: res, err: err}
	}()
	return c
}

func (c *capture) Write(p []byte) (int, error) {
	if c.err != nil {
		return len(p), nil
	}
	if _, err := c.file.Write(p); err != nil {
		c.err = fmt.Errorf("writing slot file: %w", err)
		return len(p), nil
	}
	if c.pw != nil {
		if _, err := c.pw.Write(p); err != nil {
			c.err = fmt.Errorf("streaming to classifier: %w", err)
			return len(p), nil
		}
	}
	c.size += int64(len(p))
	return len(p), nil
}

// finish closes the file, ends the classifier stream and waits for the
// decision. A capture that failed to record the message keeps its error
// in c.err.
func (c *capture) finish() (classifier.Result, error) {
	if err := c.file.Close(); err != nil && c.err == nil {
		c.err = fmt.Errorf("closing slot file: %w", err)
	}
	if c.pw != nil {
		c.pw.Close()
	}
	out := <-c.outcome
	return out.result, out.err
}

// abort stops the capture after a failed transfer.
func (c *capture) abort(cause error) {
	c.file.Close()
	if c.pw != nil {
		c.pw.CloseWithError(cause)
	}
	<-c.outcome
}

func (s *Session) release(ctx context.Context, id uint32) {
	if err := s.cfg.Store.ReleaseSlot(ctx, id); err != nil {
		s.logger.Error("failed to release slot", "slot", id, "error", err)
	}
}

// transferBody copies one dot-terminated message from src to dst. Every
// line is written to dst unchanged, terminator included; the unstuffed
// content of each line goes to sink. beforeRead is called before every
// read to arm deadlines.
func transferBody(src *bufio.Reader, beforeRead func() error, dst *bufio.Writer, sink io.Writer) (srcErr, dstErr error) {
	for {
		if err := beforeRead(); err != nil {
			return err, nil
		}
		line, err := src.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return err, nil
		}

		if _, err := dst.WriteString(line); err != nil {
			return nil, err
		}
		if trimEOL(line) == "." {
			return nil, dst.Flush()
		}
		sink.Write([]byte(strings.TrimPrefix(line, ".")))
	}
}

// transfer streams the message body in the protocol's direction.
func (s *Session) transfer(sink io.Writer) error {
	var (
		src        *server.Connection
		dst        *server.Connection
		srcErrKind = ErrUpstreamClosed
		dstErrKind = ErrClientClosed
	)
	if s.proto.bodyFromClient {
		src, dst = s.client, s.upstream
		srcErrKind, dstErrKind = ErrClientClosed, ErrUpstreamClosed
	} else {
		src, dst = s.upstream, s.client
	}

	beforeRead := func() error {
		if err := src.SetCommandTimeout(); err != nil {
			return err
		}
		return dst.SetCommandTimeout()
	}

	srcErr, dstErr := transferBody(src.Reader(), beforeRead, dst.Writer(), sink)
	switch {
	case srcErr != nil:
		if srcErrKind == ErrUpstreamClosed {
			s.cfg.Collector.UpstreamFailure(s.proto.Name)
		}
		return fmt.Errorf("%w: %v", srcErrKind, srcErr)
	case dstErr != nil:
		if dstErrKind == ErrUpstreamClosed {
			s.cfg.Collector.UpstreamFailure(s.proto.Name)
		}
		return fmt.Errorf("%w: %v", dstErrKind, dstErr)
	}
	return nil
}

// bodyTransfer relays a message-body verb: it relays the verb, and only
// if the upstream accepts it reserves a slot, streams the body while
// capturing it, then commits the classification. Any failure before the
// transfer completes releases the slot.
func bodyTransfer(ctx context.Context, s *Session, cmd command) error {
	ok, err := s.requireUpstream()
	if !ok || err != nil {
		return err
	}

	first, err := s.relayVerbOnly(cmd)
	if err != nil {
		return err
	}
	if !s.proto.positive(first) {
		s.logger.Debug("body transfer rejected by upstream", "verb", cmd.verb, "reply", trimEOL(first))
		return nil
	}

	c := s.beginCapture(ctx)
	var sink io.Writer = io.Discard
	if c != nil {
		sink = c
	}

	s.inBody = true
	if err := s.transfer(sink); err != nil {
		if c != nil {
			c.abort(err)
			s.release(ctx, c.slot)
		}
		return err
	}
	s.inBody = false

	if s.proto.bodyFromClient {
		final, err := s.relayResponse(cmd, true)
		if err != nil {
			if c != nil {
				c.abort(err)
				s.release(ctx, c.slot)
			}
			return err
		}
		if !strings.HasPrefix(final, "2") {
			s.logger.Info("message refused by upstream", "reply", trimEOL(final))
			if c != nil {
				c.abort(errors.New("message refused"))
				s.release(ctx, c.slot)
			}
			return nil
		}
	}

	if c == nil {
		return nil
	}
	s.commit(ctx, c)
	return nil
}

// relayVerbOnly sends cmd and, when the upstream accepts it, echoes only
// the first response line; the rest of the response is the body itself.
// A refusal is relayed in full.
func (s *Session) relayVerbOnly(cmd command) (string, error) {
	if err := s.sendUpstream(cmd.line); err != nil {
		return "", err
	}
	first, err := s.readUpstream()
	if err != nil {
		return "", err
	}
	if !s.proto.positive(first) {
		return first, s.relayRest(cmd, first, true)
	}
	if err := s.echo(first); err != nil {
		return "", err
	}
	if err := s.flushClient(); err != nil {
		return "", err
	}
	return first, nil
}

func (s *Session) commit(ctx context.Context, c *capture) {
	res, err := c.finish()
	if c.err != nil {
		s.logger.Error("message relayed but not recorded", "slot", c.slot, "error", c.err)
		s.release(ctx, c.slot)
		return
	}
	if err != nil {
		s.logger.Warn("classification failed, recording as unclassified", "slot", c.slot, "error", err)
		res = classifier.Result{Bucket: history.BucketUnclassified}
	}
	if res.Bucket == "" {
		res.Bucket = history.BucketUnclassified
	}

	s.cfg.Store.CommitSlot(c.slot, res.Bucket, res.Magnet)
	s.cfg.Collector.MessageClassified(s.proto.Name, res.Bucket, c.size)
	s.client.Notify(server.Notification{
		SlotID:   c.slot,
		Protocol: s.proto.Name,
		Bucket:   res.Bucket,
		Magnet:   res.Magnet,
	})
	s.logger.Info("message classified", "slot", c.slot, "bucket", res.Bucket, "magnet", res.Magnet, "size", c.size)
}
