package p2p

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "p2p"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of connected peers.
	Peers metrics.Gauge
	// Connections refused after the handshake, labelled by reason.
	PeersRejected metrics.Counter
	// Messages and bytes, labelled by message code.
	MessagesSent     metrics.Counter
	MessagesReceived metrics.Counter
	BytesSent        metrics.Counter
	BytesReceived    metrics.Counter
	// Messages dropped because a peer's queue was full.
	QueueDropped metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of peers.",
		}, labels).With(labelsAndValues...),
		PeersRejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers_rejected",
			Help:      "Number of connections refused after the handshake.",
		}, append(labels, "reason")).With(labelsAndValues...),
		MessagesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_sent",
			Help:      "Number of messages sent.",
		}, append(labels, "code")).With(labelsAndValues...),
		MessagesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "messages_received",
			Help:      "Number of messages received.",
		}, append(labels, "code")).With(labelsAndValues...),
		BytesSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bytes_sent",
			Help:      "Number of bytes sent.",
		}, append(labels, "code")).With(labelsAndValues...),
		BytesReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bytes_received",
			Help:      "Number of bytes received.",
		}, append(labels, "code")).With(labelsAndValues...),
		QueueDropped: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "queue_dropped",
			Help:      "Number of messages dropped on a full peer queue.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:            discard.NewGauge(),
		PeersRejected:    discard.NewCounter(),
		MessagesSent:     discard.NewCounter(),
		MessagesReceived: discard.NewCounter(),
		BytesSent:        discard.NewCounter(),
		BytesReceived:    discard.NewCounter(),
		QueueDropped:     discard.NewCounter(),
	}
}
