// Package metrics exposes the provider's Prometheus collectors and the server
// that publishes them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the provider's collectors on a dedicated registry. All methods
// are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	releaseTotal     *prometheus.CounterVec
	releaseDuration  prometheus.Histogram
	quoteAttempts    *prometheus.CounterVec
	replayRejections prometheus.Counter
}

// NewMetrics creates and registers the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		releaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_total",
			Help:      "Key release attempts by outcome.",
		}, []string{"outcome"}),
		releaseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "release_duration_seconds",
			Help:      "Duration of key release attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		quoteAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_attempts_total",
			Help:      "Quote generation attempts by result.",
		}, []string{"result"}),
		replayRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_rejections_total",
			Help:      "Requests rejected for reusing a nonce.",
		}),
	}

	m.Registry.MustRegister(
		m.releaseTotal,
		m.releaseDuration,
		m.quoteAttempts,
		m.replayRejections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRelease records the outcome and duration of one release attempt.
func (m *Metrics) ObserveRelease(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.releaseTotal.WithLabelValues(outcome).Inc()
	m.releaseDuration.Observe(d.Seconds())
}

// QuoteAttempt records one quote generation attempt.
func (m *Metrics) QuoteAttempt(result string) {
	if m == nil {
		return
	}
	m.quoteAttempts.WithLabelValues(result).Inc()
}

// ReplayRejected records a replayed nonce.
func (m *Metrics) ReplayRejected() {
	if m == nil {
		return
	}
	m.replayRejections.Inc()
}
