package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Moderation metrics
var (
	MessagesEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listd_messages_evaluated_total",
			Help: "Total number of posts run through the moderation pipeline, by disposition",
		},
		[]string{"disposition"},
	)

	RuleHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listd_rule_hits_total",
			Help: "Total number of recorded rule hits",
		},
		[]string{"rule"},
	)

	RuleFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listd_rule_faults_total",
			Help: "Total number of rule checks that returned an error or panicked",
		},
		[]string{"rule"},
	)

	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listd_evaluation_duration_seconds",
			Help:    "Time spent evaluating one post against a list's rules",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1},
		},
	)

	HeldMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listd_held_messages_total",
			Help: "Held message operations by action (hold, accept, reject, discard)",
		},
		[]string{"action"},
	)

	DuplicatesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "listd_duplicates_suppressed_total",
			Help: "Posts dropped because their Message-ID was already seen for the list",
		},
	)
)

// Subscription metrics
var (
	SubscriptionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listd_subscription_requests_total",
			Help: "Join/leave requests by kind and initial state",
		},
		[]string{"kind", "state"},
	)

	TokenRedemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listd_token_redemptions_total",
			Help: "Token actions by action (confirm, approve, reject, expire) and result",
		},
		[]string{"action", "result"},
	)

	MembershipChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listd_membership_changes_total",
			Help: "Memberships added or removed",
		},
		[]string{"operation"},
	)
)

// LMTP intake metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listd_lmtp_commands_total",
			Help: "Total number of LMTP commands processed",
		},
		[]string{"command", "status"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listd_lmtp_command_duration_seconds",
			Help:    "Duration of LMTP command processing",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "listd_lmtp_connections_current",
			Help: "Current number of open LMTP sessions",
		},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "listd_message_size_bytes",
			Help:    "Size of posts received over LMTP",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)

// Storage metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listd_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status", "role"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listd_db_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation", "role"},
	)

	DBPoolConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "listd_db_pool_connections",
			Help: "Connection pool connections by pool role and state",
		},
		[]string{"role", "state"},
	)

	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listd_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listd_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "listd_circuit_breaker_state",
			Help: "Circuit breaker state by dependency (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// Outbox metrics
var (
	OutboxOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "listd_outbox_operations_total",
			Help: "Outbox spool operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	OutboxOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "listd_outbox_operation_duration_seconds",
			Help:    "Duration of outbox spool operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)
