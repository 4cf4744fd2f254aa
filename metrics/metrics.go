// Package metrics holds the Prometheus instruments for reconciliation.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks passes, pushes and allocations.
type Metrics struct {
	passesTotal     *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec
	pushesTotal     *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
	timeoutsTotal   *prometheus.CounterVec
	staleTotal      *prometheus.CounterVec
	allocations     *prometheus.CounterVec
	leaseContention *prometheus.CounterVec
}

// New registers the instruments on reg under namespace.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		passesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "passes_total",
			Help:      "Reconciliation passes by collection and outcome",
		}, []string{"collection", "outcome"}),
		passDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of one reconciliation pass",
			Buckets:   prometheus.DefBuckets,
		}, []string{"collection"}),
		pushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "pushes_total",
			Help:      "Experiments pushed to the remote store by action",
		}, []string{"collection", "action"}),
		rejectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "rejections_total",
			Help:      "Reviewer rejections handled",
		}, []string{"collection"}),
		timeoutsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "review_timeouts_total",
			Help:      "Waiting experiments sent back to review after going stale",
		}, []string{"collection"}),
		staleTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "stale_published_total",
			Help:      "Live records that drifted from the last published document",
		}, []string{"collection"}),
		allocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buckets",
			Name:      "allocations_total",
			Help:      "Bucket ranges allocated by application",
		}, []string{"application"}),
		leaseContention: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "lease_contention_total",
			Help:      "Task runs skipped because another worker held the lease",
		}, []string{"task"}),
	}
}

// Pass records one finished pass.
func (m *Metrics) Pass(collection, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.passesTotal.WithLabelValues(collection, outcome).Inc()
	m.passDuration.WithLabelValues(collection).Observe(took.Seconds())
}

// Push records one experiment written to the remote store.
func (m *Metrics) Push(collection, action string) {
	if m == nil {
		return
	}
	m.pushesTotal.WithLabelValues(collection, action).Inc()
}

// Rejection records a handled reviewer rejection.
func (m *Metrics) Rejection(collection string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.WithLabelValues(collection).Inc()
}

// Timeout records a review timeout.
func (m *Metrics) Timeout(collection string) {
	if m == nil {
		return
	}
	m.timeoutsTotal.WithLabelValues(collection).Inc()
}

// Stale records a drifted live record.
func (m *Metrics) Stale(collection string) {
	if m == nil {
		return
	}
	m.staleTotal.WithLabelValues(collection).Inc()
}

// Allocation records a bucket allocation.
func (m *Metrics) Allocation(application string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(application).Inc()
}

// LeaseContention records a skipped run.
func (m *Metrics) LeaseContention(task string) {
	if m == nil {
		return
	}
	m.leaseContention.WithLabelValues(task).Inc()
}
