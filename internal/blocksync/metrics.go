package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Current sync state, see State.
	State metrics.Gauge
	// Highest block number announced by any peer.
	HighestBlock metrics.Gauge
	// Blocks downloaded during sync.
	BlocksReceived metrics.Counter
	// Blocks committed by the chain.
	BlocksImported metrics.Counter
	// Blocks relayed, labelled by kind (block or hash).
	Relayed metrics.Counter
	// Requests served to peers, labelled by kind.
	Served metrics.Counter

	EventsSent    metrics.Counter
	EventsHandled metrics.Counter
	EventsShed    metrics.Counter
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
		State: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "state",
			Help:      "Current sync state.",
		}, labels).With(labelsAndValues...),
		HighestBlock: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "highest_block",
			Help:      "Highest block number announced by a peer.",
		}, labels).With(labelsAndValues...),
		BlocksReceived: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_received",
			Help:      "Number of blocks downloaded.",
		}, labels).With(labelsAndValues...),
		BlocksImported: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "blocks_imported",
			Help:      "Number of blocks committed.",
		}, labels).With(labelsAndValues...),
		Relayed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "relayed",
			Help:      "Number of new-head announcements sent.",
		}, append(labels, "kind")).With(labelsAndValues...),
		Served: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "served",
			Help:      "Number of peer requests answered.",
		}, append(labels, "kind")).With(labelsAndValues...),
		EventsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "events_sent",
			Help:      "Number of events queued to a routine.",
		}, append(labels, "routine")).With(labelsAndValues...),
		EventsHandled: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "events_handled",
			Help:      "Number of events handled by a routine.",
		}, append(labels, "routine")).With(labelsAndValues...),
		EventsShed: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "events_shed",
			Help:      "Number of events dropped by a routine.",
		}, append(labels, "routine")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		State:          discard.NewGauge(),
		HighestBlock:   discard.NewGauge(),
		BlocksReceived: discard.NewCounter(),
		BlocksImported: discard.NewCounter(),
		Relayed:        discard.NewCounter(),
		Served:         discard.NewCounter(),
		EventsSent:     discard.NewCounter(),
		EventsHandled:  discard.NewCounter(),
		EventsShed:     discard.NewCounter(),
	}
}
