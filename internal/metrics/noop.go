package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// NewNoopCollector returns a collector that discards everything.
func NewNoopCollector() *NoopCollector {
	return &NoopCollector{}
}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened() {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed() {}

// ConnectionRejected is a no-op.
func (n *NoopCollector) ConnectionRejected(reason string) {}

// TLSConnectionEstablished is a no-op.
func (n *NoopCollector) TLSConnectionEstablished() {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(mechanism string, success bool) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(command string) {}

// MessageReceived is a no-op.
func (n *NoopCollector) MessageReceived(sizeBytes int64) {}

// MessageRejected is a no-op.
func (n *NoopCollector) MessageRejected(reason string) {}

// ErrorOccurred is a no-op.
func (n *NoopCollector) ErrorOccurred(kind string) {}
