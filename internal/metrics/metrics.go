// Package metrics exposes process-wide Prometheus collectors for the load
// engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	requests   *prometheus.CounterVec
	duration   prometheus.Histogram
	runsActive prometheus.Gauge
	runsTotal  *prometheus.CounterVec
	dropped    prometheus.Counter
	persistErr prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stresslab_requests_total",
			Help: "Request attempts by outcome",
		}, []string{"outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stresslab_request_duration_seconds",
			Help:    "Latency of successful attempts",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		runsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "stresslab_runs_active",
			Help: "Runs not yet finished",
		}),
		runsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stresslab_runs_total",
			Help: "Finished runs by end reason",
		}, []string{"reason"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "stresslab_broadcast_dropped_total",
			Help: "Subscribers dropped after a failed delivery",
		}),
		persistErr: f.NewCounter(prometheus.CounterOpts{
			Name: "stresslab_persist_errors_total",
			Help: "Failed writes to the persistence sink",
		}),
	}
}

func (m *Metrics) ObserveRequest(success bool, latency time.Duration) {
	if m == nil {
		return
	}
	if success {
		m.requests.WithLabelValues("success").Inc()
		m.duration.Observe(latency.Seconds())
		return
	}
	m.requests.WithLabelValues("error").Inc()
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

func (m *Metrics) RunFinished(reason string) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) SubscriberDropped(string) {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistErr.Inc()
}
