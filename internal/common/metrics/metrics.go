package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbox_dispatch_total",
			Help: "Notification dispatch attempts by type and result",
		},
		[]string{"type", "result"},
	)

	FanoutFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbox_fanout_failures_total",
			Help: "Per-recipient failures during multi-recipient dispatch",
		},
		[]string{"type", "error_code"},
	)

	FanoutRecipients = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailbox_fanout_recipients",
			Help:    "Recipients per multi-recipient dispatch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	ReadTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbox_read_transitions_total",
			Help: "Records moved from unread to read",
		},
		[]string{"op"},
	)

	CounterRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailbox_counter_repairs_total",
			Help: "Recomputes that found the stored unread counter out of step",
		},
	)

	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_messages_appended_total",
			Help: "Messages appended to conversation threads",
		},
	)

	ConversationsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "messaging_conversations_created_total",
			Help: "Conversations created on first contact",
		},
	)

	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bus_subscriptions_active",
			Help: "Open live subscriptions by kind",
		},
		[]string{"kind"},
	)

	StoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_op_duration_seconds",
			Help:    "Datastore operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	WorkerJobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_completed_total",
			Help: "Total number of jobs completed by worker",
		},
		[]string{"task_type"},
	)

	WorkerJobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_jobs_failed_total",
			Help: "Total number of jobs failed by worker",
		},
		[]string{"task_type", "error_code"},
	)

	WorkerJobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "worker_job_duration_seconds",
			Help: "Duration of job processing in seconds",
		},
		[]string{"task_type"},
	)
)
