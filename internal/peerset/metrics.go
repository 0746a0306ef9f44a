package peerset

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "peerset"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of registered peers.
	Peers metrics.Gauge
	// Number of penalties applied, labelled by severity.
	Penalties metrics.Counter
	// Number of bans issued.
	Bans metrics.Counter
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
			Help:      "Number of registered sync peers.",
		}, labels).With(labelsAndValues...),
		Penalties: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "penalties",
			Help:      "Number of reputation penalties applied.",
		}, append(labels, "severity")).With(labelsAndValues...),
		Bans: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bans",
			Help:      "Number of peers banned.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:     discard.NewGauge(),
		Penalties: discard.NewCounter(),
		Bans:      discard.NewCounter(),
	}
}
