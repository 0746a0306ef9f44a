package chain

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "chain"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of the canonical head.
	Height metrics.Gauge
	// Blocks committed, canonical or not.
	Imported metrics.Counter
	// Blocks discarded as invalid.
	Invalid metrics.Counter
	// Number of reorgs.
	Reorgs metrics.Counter
	// Depth of the last reorg.
	ReorgDepth metrics.Gauge
	// Registered side branch tips.
	Tips metrics.Gauge
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
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "height",
			Help:      "Number of the canonical head.",
		}, labels).With(labelsAndValues...),
		Imported: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "imported_blocks",
			Help:      "Number of blocks committed to the store.",
		}, labels).With(labelsAndValues...),
		Invalid: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "invalid_blocks",
			Help:      "Number of blocks discarded as invalid.",
		}, labels).With(labelsAndValues...),
		Reorgs: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "reorgs",
			Help:      "Number of chain reorganisations.",
		}, labels).With(labelsAndValues...),
		ReorgDepth: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "last_reorg_depth",
			Help:      "Blocks retracted by the last reorganisation.",
		}, labels).With(labelsAndValues...),
		Tips: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "side_tips",
			Help:      "Number of non-canonical branch tips.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Height:     discard.NewGauge(),
		Imported:   discard.NewCounter(),
		Invalid:    discard.NewCounter(),
		Reorgs:     discard.NewCounter(),
		ReorgDepth: discard.NewGauge(),
		Tips:       discard.NewGauge(),
	}
}
