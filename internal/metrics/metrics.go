// Package metrics provides interfaces and implementations for collecting
// proxy metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording proxy metrics.
// protocol is the listener mode ("pop3" or "smtp").
type Collector interface {
	// Connection metrics
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	ConnectionRejected(protocol string)

	// Relay metrics
	CommandProcessed(protocol, command string)
	UpstreamFailure(protocol string)

	// Classification metrics
	MessageClassified(protocol, bucket string, sizeBytes int64)
	NotificationDropped()

	// History maintenance metrics
	SlotsCommitted(n int)
	SlotsExpired(n int)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
