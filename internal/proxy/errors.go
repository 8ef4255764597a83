package proxy

import "errors"

// Relay errors. All of them end the session.
var (
	// ErrUpstreamConnect is returned when the upstream server cannot be
	// dialed or greets with a negative reply.
	ErrUpstreamConnect = errors.New("cannot connect to upstream")

	// ErrUpstreamClosed is returned when the upstream connection fails
	// during a relay.
	ErrUpstreamClosed = errors.New("upstream connection failed")

	// ErrClientClosed is returned when the client connection fails during
	// a relay.
	ErrClientClosed = errors.New("client connection failed")

	// ErrUnknownMode is returned by Handler for an unsupported listener mode.
	ErrUnknownMode = errors.New("unknown listener mode")
)
