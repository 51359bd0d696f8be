package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline counters and histograms. Queue metrics are partitioned by job
// kind, intake metrics by token or rejection reason.

var (
	// Intent intake
	TipsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "intake",
		Name:      "tips_submitted_total",
		Help:      "Total tips accepted for processing",
	}, []string{"token"})

	TipsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "intake",
		Name:      "tips_rejected_total",
		Help:      "Total tip submissions rejected by validation",
	}, []string{"reason"})

	ModerationFailOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "intake",
		Name:      "moderation_fail_open_total",
		Help:      "Total moderation checks that errored and were allowed through",
	})

	// Relay queue
	QueueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Total jobs enqueued",
	}, []string{"kind"})

	QueueCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "queue",
		Name:      "completed_total",
		Help:      "Total jobs acknowledged as complete",
	}, []string{"kind"})

	QueueRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "queue",
		Name:      "retries_total",
		Help:      "Total job attempts that failed and were rescheduled",
	}, []string{"kind"})

	QueueDeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "queue",
		Name:      "dead_letters_total",
		Help:      "Total jobs moved to the dead-letter table",
	}, []string{"kind"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tiprelay",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Current queued (unleased, runnable) jobs",
	}, []string{"kind"})

	QueueRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "queue",
		Name:      "rate_limit_waits_total",
		Help:      "Total times a consumer waited for the queue rate limiter",
	})

	QueueJobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tiprelay",
		Subsystem: "queue",
		Name:      "job_duration_seconds",
		Help:      "Job handler duration per attempt",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"kind"})

	// Relay worker
	WorkerSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "worker",
		Name:      "submissions_total",
		Help:      "Total sponsored transactions submitted, by outcome",
	}, []string{"outcome"})

	WorkerDuplicateDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "worker",
		Name:      "duplicate_deliveries_total",
		Help:      "Total jobs acknowledged as no-ops because the tip was already terminal",
	})

	WorkerConfirmationTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "worker",
		Name:      "confirmation_timeouts_total",
		Help:      "Total first-confirmation waits that timed out with the tip left PROCESSING",
	})

	// Chain event reconciler
	ReconcilerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "reconciler",
		Name:      "events_total",
		Help:      "Total chain events processed, by outcome",
	}, []string{"outcome"})

	ReconcilerReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "reconciler",
		Name:      "reconnects_total",
		Help:      "Total event subscription reconnects",
	})

	ReconcilerEventLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tiprelay",
		Subsystem: "reconciler",
		Name:      "event_duration_seconds",
		Help:      "Chain event processing duration",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// Confirmation monitor
	ConfirmationsReported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "confirm",
		Name:      "reported_total",
		Help:      "Total confirmation watch outcomes",
	}, []string{"outcome"})

	// Chain RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total chain RPC calls by method and status",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total times RPC calls waited for the rate limiter, by method",
	}, []string{"method"})

	// Database pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tiprelay",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tiprelay",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	})

	DBPoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tiprelay",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	})

	// Leaderboard mirror
	LeaderboardMirrorErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tiprelay",
		Subsystem: "leaderboard",
		Name:      "mirror_errors_total",
		Help:      "Total best-effort leaderboard mirror writes that failed",
	})
)
