// Package metrics defines Prometheus metrics for the pool manager.
// All collectors are registered upfront so other packages can use them
// without touching this file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HandlesInUse tracks checked-out handles per pool.
	HandlesInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantpool_handles_in_use",
		Help: "Number of checked-out connection handles per pool",
	}, []string{"environment", "kind"})

	// HandlesIdle tracks idle handles per pool.
	HandlesIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantpool_handles_idle",
		Help: "Number of idle connection handles per pool",
	}, []string{"environment", "kind"})

	// AcquireWaiting tracks callers queued for a handle per pool.
	AcquireWaiting = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantpool_acquire_waiting",
		Help: "Number of callers waiting for a connection handle per pool",
	}, []string{"environment", "kind"})

	// AcquiresTotal counts acquire outcomes per pool.
	AcquiresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantpool_acquires_total",
		Help: "Total handle acquire operations",
	}, []string{"environment", "kind", "status"})

	// AcquireWaitDuration tracks time spent waiting for a free handle.
	AcquireWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantpool_acquire_wait_seconds",
		Help:    "Time spent waiting for a pooled connection handle",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"environment", "kind"})

	// QueryDuration tracks query execution time, excluding pool wait.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tenantpool_query_duration_seconds",
		Help:    "Query execution duration, excluding time waiting for a handle",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"environment", "mode"})

	// DispatchesTotal counts dispatched queries by mode and outcome.
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantpool_dispatches_total",
		Help: "Total dispatched queries",
	}, []string{"environment", "mode", "status"})

	// HandleErrors counts handle creation and validation failures.
	HandleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantpool_handle_errors_total",
		Help: "Total handle errors",
	}, []string{"environment", "kind", "error_type"})

	// RecoveriesTotal counts failure-recovery actions by classification.
	RecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantpool_recoveries_total",
		Help: "Total failure-recovery actions",
	}, []string{"environment", "classification"})

	// TenantsActive tracks live tenant entries in the registry.
	TenantsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tenantpool_tenants_active",
		Help: "Number of tenant entries currently registered",
	})

	// TenantsReaped counts tenant entries removed by the idle reaper.
	TenantsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tenantpool_tenants_reaped_total",
		Help: "Total tenant entries removed after inactivity",
	})

	// LobReads counts large-object materializations by outcome.
	LobReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantpool_lob_reads_total",
		Help: "Total out-of-band large-object reads during streaming",
	}, []string{"status"})

	// SessionStoreOperations counts persisted session store operations.
	SessionStoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tenantpool_session_store_operations_total",
		Help: "Total session store operations",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks instance liveness.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tenantpool_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = shutting down)",
	}, []string{"instance_id"})
)
