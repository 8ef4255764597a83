package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened(protocol string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed(protocol string) {}

// ConnectionRejected is a no-op.
func (n *NoopCollector) ConnectionRejected(protocol string) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(protocol, command string) {}

// UpstreamFailure is a no-op.
func (n *NoopCollector) UpstreamFailure(protocol string) {}

// MessageClassified is a no-op.
func (n *NoopCollector) MessageClassified(protocol, bucket string, sizeBytes int64) {}

// NotificationDropped is a no-op.
func (n *NoopCollector) NotificationDropped() {}

// SlotsCommitted is a no-op.
func (n *NoopCollector) SlotsCommitted(count int) {}

// SlotsExpired is a no-op.
func (n *NoopCollector) SlotsExpired(count int) {}
