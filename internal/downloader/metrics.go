package downloader

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "downloader"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Requests sent, labelled by kind.
	RequestsSent metrics.Counter
	// Outstanding requests.
	Inflight metrics.Gauge
	// Requests that hit their deadline.
	Timeouts metrics.Counter
	// Responses rejected as malformed.
	MalformedResponses metrics.Counter
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
		RequestsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_sent",
			Help:      "Number of requests sent to peers.",
		}, append(labels, "kind")).With(labelsAndValues...),
		Inflight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "inflight",
			Help:      "Number of outstanding requests.",
		}, labels).With(labelsAndValues...),
		Timeouts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "timeouts",
			Help:      "Number of requests that timed out.",
		}, labels).With(labelsAndValues...),
		MalformedResponses: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "malformed_responses",
			Help:      "Number of responses rejected as malformed.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		RequestsSent:       discard.NewCounter(),
		Inflight:           discard.NewGauge(),
		Timeouts:           discard.NewCounter(),
		MalformedResponses: discard.NewCounter(),
	}
}
