package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Snapshot metrics
	SnapshotCapturesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_snapshot_captures_total",
			Help: "Total number of snapshot capture attempts",
		},
		[]string{"source", "result"},
	)

	SnapshotCaptureDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rosfleet_snapshot_capture_duration_seconds",
			Help:    "Snapshot capture duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	SnapshotSizeBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rosfleet_snapshot_size_bytes",
			Help:    "Uncompressed snapshot size in bytes",
			Buckets: []float64{1024, 10240, 102400, 1048576, 5242880, 10485760},
		},
		[]string{"source"},
	)

	SnapshotCompressionRatio = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rosfleet_snapshot_compression_ratio",
			Help:    "Compressed size divided by uncompressed size",
			Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.7, 0.9, 1.0},
		},
	)

	SnapshotAgeSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rosfleet_snapshot_age_seconds",
			Help: "Age of the newest snapshot per device",
		},
		[]string{"device_id"},
	)

	SnapshotMissingTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_snapshot_missing_total",
			Help: "Lookups that found no snapshot for a device",
		},
		[]string{"device_id"},
	)

	// Health metrics
	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_health_checks_total",
			Help: "Total number of device health checks",
		},
		[]string{"status", "transport"},
	)

	HealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rosfleet_health_check_duration_seconds",
			Help:    "Health check duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	DevicesTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rosfleet_devices_total",
			Help: "Devices by status and environment",
		},
		[]string{"status", "environment"},
	)

	// Rollout metrics
	RolloutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_rollouts_total",
			Help: "Completed rollouts by final plan status",
		},
		[]string{"status"},
	)

	RolloutBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_rollout_batches_total",
			Help: "Executed rollout batches by result",
		},
		[]string{"result"},
	)

	RolloutDeviceApplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_rollout_device_applies_total",
			Help: "Per-device apply attempts by result",
		},
		[]string{"result"},
	)

	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_rollbacks_total",
			Help: "Per-device rollback attempts by result",
		},
		[]string{"result"},
	)

	// Plan metrics
	PlansCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_plans_created_total",
			Help: "Plans created by risk level",
		},
		[]string{"risk_level"},
	)

	PlanApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_plan_approvals_total",
			Help: "Plan approval attempts by result",
		},
		[]string{"result"},
	)

	// Authorization metrics
	AuthzDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_authz_decisions_total",
			Help: "Authorization gate decisions",
		},
		[]string{"decision", "check"},
	)

	// Transport metrics
	TransportRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_transport_requests_total",
			Help: "Device transport requests",
		},
		[]string{"transport", "result"},
	)

	TransportRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rosfleet_transport_request_duration_seconds",
			Help:    "Device transport request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	// Job metrics
	JobsExecutedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rosfleet_jobs_executed_total",
			Help: "Job executions by final status",
		},
		[]string{"type", "status"},
	)
)
