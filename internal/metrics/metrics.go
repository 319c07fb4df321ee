// Package metrics exposes Prometheus instruments for the mirroring engine.
//
// Every method is safe on a nil *Metrics so components can treat metrics as
// optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tgmirror"

// Metrics groups the engine's counters and gauges.
type Metrics struct {
	forwarded       *prometheus.CounterVec
	forwardFailures *prometheus.CounterVec
	rateLimitWaits  prometheus.Counter
	rateLimitSleep  prometheus.Observer
	sizeMismatches  prometheus.Counter
	edits           prometheus.Counter
	deletes         prometheus.Counter
	storeFailures   *prometheus.CounterVec
	cacheEntries    prometheus.Gauge
	mirrorActive    prometheus.Gauge
}

// New registers all instruments on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		forwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_forwarded_total",
			Help:      "Number of source messages forwarded and mapped, by mode.",
		}, []string{"mode"}),
		forwardFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_failures_total",
			Help:      "Number of source messages that could not be forwarded, by mode.",
		}, []string{"mode"}),
		rateLimitWaits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_waits_total",
			Help:      "Number of flood-wait signals honored with a sleep and retry.",
		}),
		rateLimitSleep: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_sleep_seconds",
			Help:      "Flood-wait durations dictated by the remote service.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 300, 900},
		}),
		sizeMismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_size_mismatches_total",
			Help:      "Number of batch or album forwards that returned fewer ids than sent.",
		}),
		edits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edits_propagated_total",
			Help:      "Number of text edits propagated to the target chat.",
		}),
		deletes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletes_propagated_total",
			Help:      "Number of target messages deleted after source deletions.",
		}),
		storeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mapping_store_failures_total",
			Help:      "Number of failed mapping store operations, by operation.",
		}, []string{"operation"}),
		cacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mapping_cache_entries",
			Help:      "Current number of entries in the in-memory mapping cache.",
		}),
		mirrorActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mirror_active",
			Help:      "Live mirroring state, 1=active 0=inactive.",
		}),
	}
}

// Forwarded adds n successfully mapped forwards for mode.
func (m *Metrics) Forwarded(mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.forwarded.WithLabelValues(mode).Add(float64(n))
}

// ForwardFailed adds n failed forwards for mode.
func (m *Metrics) ForwardFailed(mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.forwardFailures.WithLabelValues(mode).Add(float64(n))
}

// RateLimited records one honored flood wait of the given length in seconds.
func (m *Metrics) RateLimited(seconds float64) {
	if m == nil {
		return
	}
	m.rateLimitWaits.Inc()
	m.rateLimitSleep.Observe(seconds)
}

// SizeMismatch records one partial forward result.
func (m *Metrics) SizeMismatch() {
	if m == nil {
		return
	}
	m.sizeMismatches.Inc()
}

// EditPropagated records one propagated edit.
func (m *Metrics) EditPropagated() {
	if m == nil {
		return
	}
	m.edits.Inc()
}

// DeletesPropagated records n deleted target messages.
func (m *Metrics) DeletesPropagated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deletes.Add(float64(n))
}

// StoreFailed records one failed mapping store operation.
func (m *Metrics) StoreFailed(operation string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(operation).Inc()
}

// SetCacheEntries publishes the current cache size.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

// SetActive publishes the live mirroring state.
func (m *Metrics) SetActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.mirrorActive.Set(1)
		return
	}
	m.mirrorActive.Set(0)
}
