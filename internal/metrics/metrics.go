// Package metrics records store lifecycle metrics in Prometheus.
//
// A nil *Metrics is valid and records nothing, so components accept one
// unconditionally:
//
//	m := metrics.New(prometheus.NewRegistry())
//	ctrl := lifecycle.New(coord, checker, lifecycle.WithMetrics(m))
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Metrics is the Prometheus implementation of lifecycle metrics.
type Metrics struct {
	attaches       *prometheus.CounterVec
	detaches       *prometheus.CounterVec
	checks         *prometheus.CounterVec
	attachDuration prometheus.Histogram
	checkDuration  prometheus.Histogram
	storesAttached prometheus.Gauge
	queueDepth     prometheus.Gauge
}

// New registers lifecycle metrics with reg. A nil reg returns nil.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	return &Metrics{
		attaches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "goob_store_attach_total",
				Help: "Total number of store attach attempts by result",
			},
			[]string{"result"},
		),
		detaches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "goob_store_detach_total",
				Help: "Total number of store detach attempts by result",
			},
			[]string{"result"},
		),
		checks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "goob_store_migration_checks_total",
				Help: "Total number of migration pre-checks by verdict",
			},
			[]string{"verdict"},
		),
		attachDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "goob_store_attach_duration_seconds",
				Help:    "Duration of store attach operations, migration included",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		checkDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "goob_store_migration_check_duration_seconds",
				Help:    "Duration of migration pre-checks",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
		),
		storesAttached: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "goob_stores_attached",
				Help: "Number of currently attached stores",
			},
		),
		queueDepth: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "goob_lifecycle_queue_depth",
				Help: "Number of submitted mutations waiting on the serial queue",
			},
		),
	}
}

// ObserveAttach records an attach attempt.
func (m *Metrics) ObserveAttach(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.attaches.WithLabelValues(result).Inc()
	m.attachDuration.Observe(d.Seconds())
}

// ObserveDetach records a detach attempt.
func (m *Metrics) ObserveDetach(result string) {
	if m == nil {
		return
	}
	m.detaches.WithLabelValues(result).Inc()
}

// ObserveCheck records a migration pre-check and its verdict.
func (m *Metrics) ObserveCheck(verdict string, d time.Duration) {
	if m == nil {
		return
	}
	m.checks.WithLabelValues(verdict).Inc()
	m.checkDuration.Observe(d.Seconds())
}

// SetStoresAttached records the size of the store set.
func (m *Metrics) SetStoresAttached(n int) {
	if m == nil {
		return
	}
	m.storesAttached.Set(float64(n))
}

// QueueEnter records a mutation entering the serial queue.
func (m *Metrics) QueueEnter() {
	if m == nil {
		return
	}
	m.queueDepth.Inc()
}

// QueueLeave records a mutation leaving the serial queue to run.
func (m *Metrics) QueueLeave() {
	if m == nil {
		return
	}
	m.queueDepth.Dec()
}
