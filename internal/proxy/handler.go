package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hhoffstaette/popfile/internal/classifier"
	"github.com/hhoffstaette/popfile/internal/config"
	"github.com/hhoffstaette/popfile/internal/logging"
	"github.com/hhoffstaette/popfile/internal/metrics"
	"github.com/hhoffstaette/popfile/internal/server"
)

// Config holds what a session needs beyond its client connection.
type Config struct {
	Hostname string
	Listener config.ListenerConfig

	// UserSeparator splits "user<sep>host[:port]" in POP3 USER and AUTH.
	UserSeparator string

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	TLSMinVersion  uint16

	// Dial replaces the default upstream dialer when set.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)

	Store      SlotStore
	Classifier classifier.Classifier
	Collector  metrics.Collector
}

// ProtocolFor returns the verb table for a listener mode.
func ProtocolFor(mode config.ListenerMode) (*Protocol, error) {
	switch mode {
	case config.ModePOP3:
		return POP3(), nil
	case config.ModeSMTP:
		return SMTP(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

// Handler returns a connection handler that proxies every connection on
// the listener described by cfg.Listener.
func Handler(cfg Config) (server.ConnectionHandler, error) {
	proto, err := ProtocolFor(cfg.Listener.Mode)
	if err != nil {
		return nil, err
	}
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.UserSeparator == "" {
		cfg.UserSeparator = ":"
	}

	return func(ctx context.Context, conn *server.Connection) {
		logger := logging.FromContext(ctx)
		err := NewSession(proto, cfg, conn).Serve(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			logger.Debug("session ended")
		case errors.Is(err, ErrClientClosed):
			logger.Info("session ended by client", "error", err)
		default:
			logger.Warn("session ended with error", "error", err)
		}
	}, nil
}
