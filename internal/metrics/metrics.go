package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	leaseAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "erpsync",
			Subsystem: "pool",
			Name:      "lease_acquisitions_total",
			Help:      "Number of session lease acquisitions by outcome (hit, created, error).",
		}, []string{"outcome"},
	)
	leaseEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "erpsync",
			Subsystem: "pool",
			Name:      "lease_evictions_total",
			Help:      "Number of lease evictions by reason (lru, expired, invalid, failure, crash, shutdown).",
		}, []string{"reason"},
	)
	poolSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "erpsync",
			Subsystem: "pool",
			Name:      "open_sessions",
			Help:      "Current number of open browser sessions across all processes.",
		},
	)
	browserRelaunches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "erpsync",
			Subsystem: "pool",
			Name:      "browser_relaunches_total",
			Help:      "Number of browser process relaunches after a crash.",
		},
	)

	syncPages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "erpsync",
			Subsystem: "sync",
			Name:      "pages_total",
			Help:      "Number of pages processed per domain.",
		}, []string{"domain"},
	)
	syncChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "erpsync",
			Subsystem: "sync",
			Name:      "changes_total",
			Help:      "Number of detected changes per domain and change type.",
		}, []string{"domain", "type"},
	)
	syncRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "erpsync",
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Duration of completed sync runs per domain.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"domain"},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "erpsync",
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Current number of queued sync requests.",
		},
	)

	orderJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "erpsync",
			Subsystem: "order",
			Name:      "jobs_total",
			Help:      "Number of finished order jobs by outcome (completed, failed, lock_timeout).",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		leaseAcquisitions, leaseEvictions, poolSessions, browserRelaunches,
		syncPages, syncChanges, syncRunDuration, queueDepth, orderJobs,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Lightweight helpers used by internal packages. They no-op until Register is called.

func IncLeaseAcquisition(outcome string) {
	if regOK.Load() {
		leaseAcquisitions.WithLabelValues(outcome).Inc()
	}
}
func IncLeaseEviction(reason string) {
	if regOK.Load() {
		leaseEvictions.WithLabelValues(reason).Inc()
	}
}
func SetOpenSessions(n int) {
	if regOK.Load() {
		poolSessions.Set(float64(n))
	}
}
func IncBrowserRelaunch() {
	if regOK.Load() {
		browserRelaunches.Inc()
	}
}
func IncSyncPage(domain string) {
	if regOK.Load() {
		syncPages.WithLabelValues(domain).Inc()
	}
}
func IncSyncChange(domain, typ string) {
	if regOK.Load() {
		syncChanges.WithLabelValues(domain, typ).Inc()
	}
}
func ObserveRunDuration(domain string, seconds float64) {
	if regOK.Load() {
		syncRunDuration.WithLabelValues(domain).Observe(seconds)
	}
}
func SetQueueDepth(n int) {
	if regOK.Load() {
		queueDepth.Set(float64(n))
	}
}
func IncOrderJob(outcome string) {
	if regOK.Load() {
		orderJobs.WithLabelValues(outcome).Inc()
	}
}
