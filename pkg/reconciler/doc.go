/*
Package reconciler re-drives rollout contexts that nobody is working on.

The accept pipeline hands every committed context to the rollout queue, but
that hand-off is not durable: a worker can be cancelled mid-rollout, a
commit can time out before the context was scheduled and a new leader
starts with an empty queue. The reconciler closes those gaps by scanning
the store on a fixed interval:

	┌──────────────────────────────────────────┐
	│      Reconciliation Loop (Interval)      │
	└────────────────────┬─────────────────────┘
	                     │  leader only
	                     ▼
	      for every kind: list contexts
	                     │
	        Pending, Processing, DeletePending, Deleting
	        and not parked between manual domains
	        and not queued or running
	                     │
	                     ▼
	            rollout.Queue.Enqueue
	                     │
	                     ▼
	       prune idle duplicate-detection state

Requeuing is always safe: the executor re-reads the committed context and
returns immediately when there is nothing to do.

# Usage

	rec, err := reconciler.NewReconciler(reconciler.Options{
		Store:  mgr.Store(),
		Queue:  queue,
		Pruner: pipeline,
		Leader: mgr.IsLeader,
		Config: cfg.ReconcilerConfig(),
	})
	rec.Start()
	defer rec.Stop()
*/
package reconciler
