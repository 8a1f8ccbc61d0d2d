// Package metrics holds the Prometheus instruments of the sync core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "academysync"

// Metrics holds all Prometheus metrics of the process.
type Metrics struct {
	registry *prometheus.Registry

	// Sync engine
	SyncCyclesTotal    *prometheus.CounterVec
	SyncCycleDuration  prometheus.Histogram
	OperationsTotal    *prometheus.CounterVec
	PulledRecordsTotal prometheus.Counter
	ConflictsTotal     prometheus.Counter
	PendingOperations  prometheus.Gauge
	FailedOperations   prometheus.Gauge
	LastSyncTimestamp  prometheus.Gauge

	// Connectivity
	Online prometheus.Gauge

	// Notifications
	NotificationsTotal   *prometheus.CounterVec
	NotificationsDropped prometheus.Counter
	PushFailuresTotal    prometheus.Counter

	// RBAC
	PermissionChecksTotal *prometheus.CounterVec
	GrantCacheHitsTotal   prometheus.Counter
	GrantCacheMissesTotal prometheus.Counter
	PolicyInvalidations   prometheus.Counter
}

// New creates all metrics on a dedicated registry. A nil registry gets a fresh one.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SyncCyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycles_total",
			Help:      "Sync cycles by outcome",
		}, []string{"outcome"}),
		SyncCycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a sync cycle",
			Buckets:   prometheus.DefBuckets,
		}),
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Dispatched pending operations by outcome",
		}, []string{"outcome"}),
		PulledRecordsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pulled_records_total",
			Help:      "Remote records merged into the local store",
		}),
		ConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Local pending values superseded by remote revisions",
		}),
		PendingOperations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "pending_operations",
			Help:      "Operations waiting in the local log",
		}),
		FailedOperations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "failed_operations",
			Help:      "Operations that need manual resolution",
		}),
		LastSyncTimestamp: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Server time of the last successful pull",
		}),

		Online: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 when the remote store is reachable",
		}),

		NotificationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "emitted_total",
			Help:      "Notifications emitted by severity",
		}, []string{"severity"}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dropped_total",
			Help:      "Deliveries dropped because a subscriber was full",
		}),
		PushFailuresTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "push_failures_total",
			Help:      "Alerts the push channel failed to accept",
		}),

		PermissionChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rbac",
			Name:      "checks_total",
			Help:      "Permission checks by result",
		}, []string{"result"}),
		GrantCacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rbac",
			Name:      "cache_hits_total",
			Help:      "Grant cache hits",
		}),
		GrantCacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rbac",
			Name:      "cache_misses_total",
			Help:      "Grant cache misses",
		}),
		PolicyInvalidations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rbac",
			Name:      "invalidations_total",
			Help:      "Grant cache invalidations",
		}),
	}
}

// RegisterRuntime adds the Go runtime and process collectors.
func (m *Metrics) RegisterRuntime() {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
