package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/keeper/pkg/storage"
	"github.com/hashicorp/raft"
)

const (
	opCommitBatch = "commit_batch"
)

// KeeperFSM implements the Raft Finite State Machine over the local store.
// Every committed log entry is a transaction batch; validation runs on
// apply, so all replicas reject the same stale batches.
type KeeperFSM struct {
	mu    sync.RWMutex
	store *storage.BoltStore
}

// NewKeeperFSM creates a new FSM instance
func NewKeeperFSM(store *storage.BoltStore) *KeeperFSM {
	return &KeeperFSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Apply applies a Raft log entry to the FSM. The returned value is the
// error of the batch, if any, and reaches the leader through the future.
func (f *KeeperFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case opCommitBatch:
		var batch storage.Batch
		if err := json.Unmarshal(cmd.Data, &batch); err != nil {
			return err
		}
		return f.store.ApplyBatch(&batch)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
func (f *KeeperFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	records, err := f.store.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to export records: %v", err)
	}
	return &KeeperSnapshot{Records: records}, nil
}

// Restore replaces the FSM state with a snapshot
func (f *KeeperFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot KeeperSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Restore(snapshot.Records); err != nil {
		return fmt.Errorf("failed to restore records: %v", err)
	}
	return nil
}

// KeeperSnapshot is every stored record with its sequence number
type KeeperSnapshot struct {
	Records []storage.Record
}

// Persist writes the snapshot to the given SnapshotSink
func (s *KeeperSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *KeeperSnapshot) Release() {}
