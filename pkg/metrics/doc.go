/*
Package metrics exposes keeper's Prometheus metrics and the component health
registry behind the /health, /ready and /live endpoints.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│  accept   rollout   deploy   reconciler   cleanup   health  │
	│     increment counters and observe histograms directly      │
	└──────────────────────────────┬──────────────────────────────┘
	                               ▼
	┌─────────────────────────────────────────────────────────────┐
	│              prometheus.DefaultRegisterer                    │
	│                  (registered in init)                        │
	└──────────────────────────────▲──────────────────────────────┘
	                               │ gauges every interval
	                      ┌────────┴────────┐
	                      │    Collector    │◀── Source (manager)
	                      └─────────────────┘

Counters and histograms are updated at the point where the event happens.
Gauges that describe state, such as context counts and raft indexes, are
sampled by a Collector from a Source. *manager.Manager is the Source in a
running node.

# Metrics

Rollout contexts:

	keeper_rollout_contexts_total{kind,status}           gauge
	keeper_rollout_queue_depth                           gauge
	keeper_rollout_jobs_total{kind,result}               counter
	keeper_upgrade_domains_completed_total{kind}         counter

Accept pipeline:

	keeper_accept_total{operation,category}              counter
	keeper_accept_duration_seconds{operation}            histogram
	keeper_accept_conflict_retries_total                 counter
	keeper_duplicate_request_rejections_total{decision}  counter

Replication:

	keeper_raft_is_leader                                gauge
	keeper_raft_peers_total                              gauge
	keeper_raft_log_index                                gauge
	keeper_raft_applied_index                            gauge
	keeper_commit_duration_seconds                       histogram
	keeper_commit_timeouts_total                         counter

Background jobs:

	keeper_reconciliation_duration_seconds               histogram
	keeper_reconciliation_cycles_total                   counter
	keeper_reconciliation_requeued_total{kind}           counter
	keeper_cleanup_scans_total{result}                   counter
	keeper_cleanup_unprovisions_total{category}          counter
	keeper_health_probes_total{type,state}               counter
	keeper_health_probe_duration_seconds{type}           histogram
	keeper_events_dropped_total{topic}                   counter

# Timing

	timer := metrics.NewTimer()
	err := commit(ctx, batch)
	timer.ObserveDuration(metrics.CommitDuration)

# Component health

Components register themselves once and update their state as it changes.
The node is healthy when every registered component is; it is ready when
every critical component (raft, store, rollout, accept by default) is
registered and healthy.

	metrics.RegisterComponent(metrics.ComponentRollout, true, "")
	metrics.UpdateComponent(metrics.ComponentRaft, false, "no leader")

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

/health and /ready answer 503 when unhealthy or not ready. /live answers
200 while the process can serve requests.
*/
package metrics
