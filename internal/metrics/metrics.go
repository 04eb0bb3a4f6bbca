// Package metrics exposes collection metrics on a private Prometheus
// registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tgcollector"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	Runs          *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	Messages      *prometheus.CounterVec
	Skipped       *prometheus.CounterVec
	ThrottleWaits prometheus.Counter
	ThrottleTime  prometheus.Counter
	Batches       *prometheus.CounterVec
	BreakerState  *prometheus.GaugeVec
}

// New creates the collectors and registers them on a new registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Collection runs by account and final state.",
		}, []string{"account", "state", "reason"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Collection run duration.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_collected_total",
			Help:      "Messages collected by account.",
		}, []string{"account"}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversations_skipped_total",
			Help:      "Conversations skipped after a fetch failure.",
		}, []string{"account"}),
		ThrottleWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_waits_total",
			Help:      "Rate-limit answers from the platform.",
		}),
		ThrottleTime: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_wait_seconds_total",
			Help:      "Time spent waiting on platform rate limits.",
		}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_batches_total",
			Help:      "Persisted batches by store, kind and result.",
		}, []string{"store", "kind", "result"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_open",
			Help:      "1 while the named circuit breaker is open.",
		}, []string{"name"}),
	}

	m.registry.MustRegister(
		m.Runs, m.RunDuration, m.Messages, m.Skipped,
		m.ThrottleWaits, m.ThrottleTime, m.Batches, m.BreakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(account, state, reason string, messages int, skipped int, d time.Duration) {
	m.Runs.WithLabelValues(account, state, reason).Inc()
	m.RunDuration.Observe(d.Seconds())
	m.Messages.WithLabelValues(account).Add(float64(messages))
	m.Skipped.WithLabelValues(account).Add(float64(skipped))
}

// ObserveThrottle records one throttle wait.
func (m *Metrics) ObserveThrottle(wait time.Duration) {
	m.ThrottleWaits.Inc()
	m.ThrottleTime.Add(wait.Seconds())
}

// ObserveBatch records one persisted batch.
func (m *Metrics) ObserveBatch(store, kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Batches.WithLabelValues(store, kind, result).Inc()
}

// SetBreakerOpen records the state of a circuit breaker.
func (m *Metrics) SetBreakerOpen(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}
