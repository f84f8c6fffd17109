package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomgate_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomgate_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Dedup metrics
	DedupDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomgate_dedup_decisions_total",
			Help: "Dedup decisions by guard and result",
		},
		[]string{"kind", "result"}, // kind: fingerprint|turn, result: accepted|duplicate|fail_open
	)

	DedupResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomgate_dedup_resets_total",
			Help: "Bulk resets after the dedup store exceeded its size cap",
		},
		[]string{"kind"},
	)

	// Room lock metrics
	LockAcquire = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomgate_roomlock_acquire_total",
			Help: "Room lock acquisition attempts",
		},
		[]string{"result"}, // acquired|busy|error
	)

	LockLeaseExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomgate_roomlock_lease_expired_total",
			Help: "Room locks reclaimed after their holder exceeded the lease",
		},
	)

	LockHoldSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomgate_roomlock_hold_seconds",
			Help:    "How long room locks were held",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// Queue metrics
	QueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomgate_queue_pending",
			Help: "Reply tasks waiting across all rooms",
		},
	)

	QueueTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomgate_queue_tasks_total",
			Help: "Reply tasks finished by outcome",
		},
		[]string{"outcome"}, // ok|error|lock_unavailable|panic
	)

	QueueTaskDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roomgate_queue_task_duration_seconds",
			Help:    "Reply task execution time",
			Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	// Event bus metrics
	BusSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomgate_bus_subscribers",
			Help: "Live event bus subscribers",
		},
	)

	BusEventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomgate_bus_events_published_total",
			Help: "Events published on the bus",
		},
		[]string{"type"},
	)

	BusSubscribersDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomgate_bus_subscribers_dropped_total",
			Help: "Subscribers removed after a failed write",
		},
		[]string{"reason"}, // send|heartbeat
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomgate_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)
)
