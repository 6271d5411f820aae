package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks the number of live terminal sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clawd_active_sessions",
		Help: "The number of live terminal sessions",
	})

	// SessionsEvicted tracks sessions closed because a newer one connected
	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawd_sessions_evicted_total",
		Help: "The total number of sessions superseded by a newer connect",
	})

	// IdleSessionsReaped tracks sessions reaped for missing heartbeats
	IdleSessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawd_idle_sessions_reaped_total",
		Help: "The total number of sessions reaped for being idle",
	})

	// InstancesCreated tracks instances created per provider
	InstancesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawd_instances_created_total",
		Help: "The total number of instances created",
	}, []string{"provider"})

	// InstancesDeleted tracks instances deleted per provider
	InstancesDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawd_instances_deleted_total",
		Help: "The total number of instances deleted",
	}, []string{"provider"})

	// SetupsStarted tracks provisioning pipelines launched
	SetupsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawd_setups_started_total",
		Help: "The total number of provisioning pipelines launched",
	}, []string{"provider"})

	// SetupsCompleted tracks pipeline outcomes by final status
	SetupsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clawd_setups_completed_total",
		Help: "The total number of provisioning pipelines finished",
	}, []string{"provider", "status"})

	// SetupDuration tracks how long pipelines take end to end
	SetupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clawd_setup_duration_seconds",
		Help:    "Duration of provisioning pipelines in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"provider"})

	// OutputChunksStreamed tracks terminal output chunks delivered
	OutputChunksStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawd_output_chunks_streamed_total",
		Help: "The total number of terminal output chunks delivered to clients",
	})

	// OutputChunksDropped tracks chunks lost to transport failures
	OutputChunksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawd_output_chunks_dropped_total",
		Help: "The total number of output chunks dropped on transport failure",
	})

	// HeartbeatsReceived tracks session heartbeats
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clawd_heartbeats_received_total",
		Help: "The total number of session heartbeats received",
	})

	// HTTPRequestDuration tracks HTTP request durations
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clawd_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})
)
