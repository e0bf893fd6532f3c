package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Rollout context metrics
	ContextsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keeper_rollout_contexts_total",
			Help: "Total number of rollout contexts by kind and status",
		},
		[]string{"kind", "status"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Accept pipeline metrics
	AcceptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_accept_total",
			Help: "Total number of accepted requests by operation and outcome category",
		},
		[]string{"operation", "category"},
	)

	AcceptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_accept_duration_seconds",
			Help:    "Time from request arrival to reply in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	AcceptConflictRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_accept_conflict_retries_total",
			Help: "Total number of accept attempts retried after a stale sequence",
		},
	)

	DuplicateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_duplicate_request_rejections_total",
			Help: "Total number of requests rejected by the duplicate tracker by decision",
		},
		[]string{"decision"},
	)

	// Commit metrics
	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_commit_duration_seconds",
			Help:    "Time taken to commit a transaction in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_commit_timeouts_total",
			Help: "Total number of commits whose outcome was unknown when the caller gave up",
		},
	)

	// Rollout metrics
	RolloutQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeper_rollout_queue_depth",
			Help: "Number of context keys waiting for or holding a rollout worker",
		},
	)

	RolloutJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_rollout_jobs_total",
			Help: "Total number of rollout jobs by kind and result",
		},
		[]string{"kind", "result"},
	)

	UpgradeDomainsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_upgrade_domains_completed_total",
			Help: "Total number of upgrade domains completed by context kind",
		},
		[]string{"kind"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeper_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeper_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationRequeuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_reconciliation_requeued_total",
			Help: "Total number of unfinished rollout contexts handed back to the rollout queue by kind",
		},
		[]string{"kind"},
	)

	// Cleanup metrics
	CleanupScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_cleanup_scans_total",
			Help: "Total number of cleanup scans by result",
		},
		[]string{"result"},
	)

	CleanupUnprovisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_cleanup_unprovisions_total",
			Help: "Total number of unprovision requests submitted by cleanup by outcome category",
		},
		[]string{"category"},
	)

	// Health probe metrics
	HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_health_probes_total",
			Help: "Total number of health probe runs by check type and resulting state",
		},
		[]string{"type", "state"},
	)

	HealthProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeper_health_probe_duration_seconds",
			Help:    "Health probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeper_events_dropped_total",
			Help: "Lifecycle events dropped because a subscriber fell behind, by topic",
		},
		[]string{"topic"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ContextsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(AcceptTotal)
	prometheus.MustRegister(AcceptDuration)
	prometheus.MustRegister(AcceptConflictRetries)
	prometheus.MustRegister(DuplicateRejections)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(CommitTimeouts)
	prometheus.MustRegister(RolloutQueueDepth)
	prometheus.MustRegister(RolloutJobsTotal)
	prometheus.MustRegister(UpgradeDomainsCompleted)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationRequeuedTotal)
	prometheus.MustRegister(CleanupScansTotal)
	prometheus.MustRegister(CleanupUnprovisionsTotal)
	prometheus.MustRegister(HealthProbesTotal)
	prometheus.MustRegister(HealthProbeDuration)
	prometheus.MustRegister(EventsDroppedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
