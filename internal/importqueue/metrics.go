package importqueue

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "importqueue"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Staged blocks, orphans excluded.
	Size metrics.Gauge
	// Buffered orphans.
	Orphans metrics.Gauge
	// Blocks refused by Push, labelled by reason.
	Rejected metrics.Counter
	// Orphans evicted on overflow.
	EvictedOrphans metrics.Counter
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
		Size: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "size",
			Help:      "Number of staged blocks.",
		}, labels).With(labelsAndValues...),
		Orphans: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "orphans",
			Help:      "Number of buffered orphan blocks.",
		}, labels).With(labelsAndValues...),
		Rejected: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rejected",
			Help:      "Number of blocks refused by the queue.",
		}, append(labels, "reason")).With(labelsAndValues...),
		EvictedOrphans: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "evicted_orphans",
			Help:      "Number of orphans evicted to make room.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Size:           discard.NewGauge(),
		Orphans:        discard.NewGauge(),
		Rejected:       discard.NewCounter(),
		EvictedOrphans: discard.NewCounter(),
	}
}
