// Package metrics provides interfaces and implementations for collecting
// SMTP server metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording SMTP server metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	ConnectionRejected(reason string)
	TLSConnectionEstablished()

	// Authentication metrics (mechanism name, e.g. PLAIN or LOGIN)
	AuthAttempt(mechanism string, success bool)

	// Command metrics
	CommandProcessed(command string)

	// Message metrics
	MessageReceived(sizeBytes int64)
	MessageRejected(reason string)

	// Error metrics (kind is the protocol error taxonomy name)
	ErrorOccurred(kind string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
