/*
Package manager replicates store commits through Raft.

A keeper control plane runs one to seven manager nodes forming a Raft
group. Every node keeps a full copy of the bbolt store; only the leader
accepts commits.

# Architecture

	┌──────────────────────── MANAGER NODE ────────────────────────┐
	│                                                              │
	│  accept pipeline / deployer                                  │
	│          │ tx.Commit → Manager.Commit(batch, timeout)        │
	│          ▼                                                   │
	│  ┌────────────────────────────────────────────┐              │
	│  │               Raft (hashicorp)             │              │
	│  │  log store:    raft-log.db    (raft-boltdb)│              │
	│  │  stable store: raft-stable.db (raft-boltdb)│              │
	│  │  snapshots:    <dataDir>/snapshots         │              │
	│  └──────────────────┬─────────────────────────┘              │
	│                     │ committed entry                        │
	│                     ▼                                        │
	│  ┌────────────────────────────────────────────┐              │
	│  │  KeeperFSM.Apply: commit_batch             │              │
	│  │    → BoltStore.ApplyBatch (validate reads, │              │
	│  │      write atomically)                     │              │
	│  └────────────────────────────────────────────┘              │
	└──────────────────────────────────────────────────────────────┘

Batch validation runs inside Apply, so every replica accepts or rejects
the same batches and the returned error reaches the leader through the
apply future.

# Commit outcomes

Manager.Commit distinguishes three results:

  - nil: the batch is applied on a quorum.
  - errdefs.Unavailable: the entry never entered the log (not the leader,
    enqueue timeout, shutdown). Nothing happened; retrying is safe.
  - errdefs.CommitTimeout: the entry may or may not commit. The caller
    must not assume either outcome; a retried request re-reads the store
    to find out.

Validation failures come back as returned by ApplyBatch, typically
errdefs.StaleSequence.

# Bootstrap

Bootstrap starts Raft and, when the data directory holds no Raft state,
bootstraps the configured voters. A restarted node rejoins from its own
state. Tests use Config.Transport with raft.NewInmemTransport and
Config.InMemory for log and snapshot stores.

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "keeper-1",
		BindAddr: "10.0.0.1:7946",
		DataDir:  "/var/lib/keeper",
		Peers: []manager.Peer{
			{ID: "keeper-2", Addr: "10.0.0.2:7946"},
			{ID: "keeper-3", Addr: "10.0.0.3:7946"},
		},
	})
	if err != nil {
		return err
	}
	if err := mgr.Bootstrap(); err != nil {
		return err
	}
	store := mgr.Store()

# Snapshots

Snapshot exports every record with its sequence number as JSON; Restore
replaces the local store with it. Sequence numbers survive restores, so
read sets recorded before a restore still validate correctly.
*/
package manager
