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
	// Height of the best chain tip.
	BestHeight metrics.Gauge
	// Height of the finalized root.
	FinalizedHeight metrics.Gauge
	// Number of connected sources.
	NumSources metrics.Gauge
	// Number of requests sent.
	RequestsSent metrics.Counter
	// Number of responses rejected as malformed or failing verification.
	InvalidResponses metrics.Counter
	// Number of times a source was penalized.
	SourcesPenalized metrics.Counter
}

// PrometheusMetrics returns Metrics built using the Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		BestHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "best_height",
			Help:      "Height of the best chain tip.",
		}, []string{}),
		FinalizedHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "finalized_height",
			Help:      "Height of the finalized root.",
		}, []string{}),
		NumSources: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "num_sources",
			Help:      "Number of connected sources.",
		}, []string{}),
		RequestsSent: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "requests_sent",
			Help:      "Number of requests sent.",
		}, []string{"kind"}),
		InvalidResponses: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "invalid_responses",
			Help:      "Number of responses rejected as malformed or failing verification.",
		}, []string{}),
		SourcesPenalized: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sources_penalized",
			Help:      "Number of times a source was penalized.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		BestHeight:       discard.NewGauge(),
		FinalizedHeight:  discard.NewGauge(),
		NumSources:       discard.NewGauge(),
		RequestsSent:     discard.NewCounter(),
		InvalidResponses: discard.NewCounter(),
		SourcesPenalized: discard.NewCounter(),
	}
}
