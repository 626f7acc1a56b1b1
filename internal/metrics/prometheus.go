package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal    prometheus.Counter
	connectionsActive   prometheus.Gauge
	connectionsRejected *prometheus.CounterVec
	tlsConnectionTotal  prometheus.Counter

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Message metrics
	messagesReceivedTotal prometheus.Counter
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	// Error metrics
	errorsTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_connections_total",
			Help: "Total number of SMTP connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtpd_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),
		connectionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_connections_rejected_total",
			Help: "Total number of connections rejected before a session started.",
		}, []string{"reason"}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"mechanism", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_commands_total",
			Help: "Total number of SMTP commands processed.",
		}, []string{"command"}),

		messagesReceivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtpd_messages_received_total",
			Help: "Total number of messages accepted and stored.",
		}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtpd_messages_size_bytes",
			Help:    "Size of accepted messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400, 52428800},
		}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtpd_errors_total",
			Help: "Total number of session errors by kind.",
		}, []string{"kind"}),
	}

	// Register all metrics
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.connectionsRejected,
		c.tlsConnectionTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.errorsTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// ConnectionRejected increments the rejected connections counter.
func (c *PrometheusCollector) ConnectionRejected(reason string) {
	c.connectionsRejected.WithLabelValues(reason).Inc()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(mechanism string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(mechanism, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// MessageReceived increments the message counter and observes message size.
func (c *PrometheusCollector) MessageReceived(sizeBytes int64) {
	c.messagesReceivedTotal.Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected increments the message rejected counter.
func (c *PrometheusCollector) MessageRejected(reason string) {
	c.messagesRejectedTotal.WithLabelValues(reason).Inc()
}

// ErrorOccurred increments the error counter for the given kind.
func (c *PrometheusCollector) ErrorOccurred(kind string) {
	c.errorsTotal.WithLabelValues(kind).Inc()
}
