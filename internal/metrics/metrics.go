package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session Metrics
var (
	// SessionStepsTotal tracks session operations by step and result kind ("ok" on success)
	SessionStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deghost_session_steps_total",
			Help: "Composite session operations by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	// SessionStepDuration tracks how long each session step holds the session
	SessionStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deghost_session_step_duration_seconds",
			Help:    "Composite session step duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"step"},
	)

	// SessionsActive is 1 while the studio holds an open session
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deghost_sessions_active",
			Help: "Number of open composite sessions (0 or 1)",
		},
	)

	// SessionsClosedTotal tracks how sessions ended (saved, left, failed)
	SessionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deghost_sessions_closed_total",
			Help: "Closed composite sessions by outcome",
		},
		[]string{"outcome"},
	)

	// OrderChangesRejected tracks order changes refused while another was in flight or rate limited
	OrderChangesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deghost_order_changes_rejected_total",
			Help: "Order changes rejected by reason",
		},
		[]string{"reason"},
	)

	// SavedArtifactBytes tracks encoded artifact sizes
	SavedArtifactBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deghost_saved_artifact_bytes",
			Help:    "Size of saved composites in bytes",
			Buckets: prometheus.ExponentialBuckets(64<<10, 2, 10),
		},
	)
)

// Arena Metrics
var (
	// ArenaResidentBuffers tracks buffers currently held in native memory
	ArenaResidentBuffers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deghost_arena_resident_buffers",
			Help: "Buffers resident in native memory",
		},
	)

	// ArenaResidentBytes tracks bytes currently held in native memory
	ArenaResidentBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deghost_arena_resident_bytes",
			Help: "Bytes resident in native memory",
		},
	)
)

// Pipeline Metrics
var (
	// JobsTotal tracks processed jobs by type and status
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deghost_jobs_total",
			Help: "Processed pipeline jobs by type and status",
		},
		[]string{"type", "status"},
	)

	// JobsQueued tracks jobs waiting for a worker
	JobsQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deghost_jobs_queued",
			Help: "Pipeline jobs waiting for a worker",
		},
	)

	// WatchBurstsDetected tracks burst directories picked up by the inbox watcher
	WatchBurstsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deghost_watch_bursts_detected_total",
			Help: "Burst directories submitted by the inbox watcher",
		},
	)
)

// Transport Metrics
var (
	// PreviewRequestsCoalesced tracks preview requests served by an in-flight render
	PreviewRequestsCoalesced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deghost_preview_requests_coalesced_total",
			Help: "Preview requests that shared an in-flight render",
		},
	)

	// WebSocketClients tracks connected event subscribers
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deghost_websocket_clients",
			Help: "Connected websocket event subscribers",
		},
	)
)
