/*
Package storage persists rollout contexts in BoltDB behind an optimistic
transaction layer.

Every rollout context kind is a bucket; the key is the context key. Each
stored value carries a store-wide sequence number that is bumped on every
write, so a record's sequence also grows per key and doubles as its version
for optimistic concurrency.

# Architecture

	┌──────────────────────────────────────────────────────────────┐
	│                         TxStore                              │
	│  Begin() Tx                                                  │
	│    reads   → Reader (committed state), recorded in read set  │
	│    writes  → buffered in write set                           │
	│    Commit  → one Batch to the Committer                      │
	└──────────────┬──────────────────────────────┬────────────────┘
	               │ Reader                       │ Committer
	               ▼                              ▼
	┌───────────────────────────┐   ┌──────────────────────────────┐
	│        BoltStore          │   │  BoltStore (single node)     │
	│  <dataDir>/keeper.db      │   │  manager.Manager (raft)      │
	│  _meta/sequence counter   │   │    → FSM → ApplyBatch        │
	│  one bucket per kind      │   │                              │
	└───────────────────────────┘   └──────────────────────────────┘

# Transactions

A transaction never locks anything. It records the sequence of every record
it read, including records it found missing (sequence 0), and of every
prefix scan. ApplyBatch re-checks that read set inside a single bbolt
update; if anything changed the whole batch is rejected with
errdefs.StaleSequence and nothing is written. Callers replay their staging
logic on a fresh transaction.

	tx := store.Begin()
	c, err := storage.ReadContext(tx, types.KindApplication, "app:/web")
	if err != nil {
		tx.Rollback()
		return err
	}
	c.Status = types.StatusProcessing
	if err := storage.WriteContext(tx, c); err != nil {
		tx.Rollback()
		return err
	}
	err = tx.Commit(ctx, 5*time.Second)

Insert fails with errdefs.AlreadyExists when the key is visible to the
transaction. Update and Delete name the sequence they read; an Update at
sequence 0 stages an insert. TryReadOrInsertIfNotFound returns the existing
record or stages the given data.

# Context helpers

ReadContext, ReadContexts, InsertContext, WriteContext and DeleteContext
encode and decode types.RolloutContext inside a transaction. GetContext and
ListContexts read committed state without one; the background executor,
the reconciler and the cleanup scanner use them.

# Snapshots

Export returns every record with its sequence and Restore replaces the
store contents wholesale. The raft FSM in the manager package builds its
snapshots on them.
*/
package storage
