package storage

import (
	"context"
	"time"
)

// Record is one stored value. Sequence is assigned by the store on every
// write and grows monotonically across the whole store, so it also grows
// per key.
type Record struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Sequence uint64 `json:"sequence"`
	Data     []byte `json:"data"`
}

// Reader provides committed, non-transactional reads
type Reader interface {
	// Get returns the record or errdefs.NotFound
	Get(bucket, key string) (Record, error)
	// Scan returns every record in bucket whose key starts with prefix,
	// ordered by key
	Scan(bucket, prefix string) ([]Record, error)
}

// Committer durably applies a batch, validating its read set first
type Committer interface {
	Commit(ctx context.Context, batch *Batch, timeout time.Duration) error
}

// Store opens transactions over a Reader and a Committer
type Store interface {
	Reader
	Begin() Tx
}

// Tx buffers writes and records what it read. Nothing is visible to other
// transactions until Commit succeeds; Commit fails with
// errdefs.StaleSequence if anything read changed in the meantime.
type Tx interface {
	ReadExact(bucket, key string) (Record, error)
	ReadPrefix(bucket, prefix string) ([]Record, error)

	// Insert fails with errdefs.AlreadyExists if the key is visible
	Insert(bucket, key string, data []byte) error
	// Update replaces a record read at the given sequence. Sequence 0 means
	// the record was never stored and stages an insert.
	Update(bucket, key string, data []byte, sequence uint64) error
	Delete(bucket, key string, sequence uint64) error

	// TryReadOrInsertIfNotFound returns the existing record, or stages data
	// and reports inserted=true
	TryReadOrInsertIfNotFound(bucket, key string, data []byte) (rec Record, inserted bool, err error)

	// HasWrites reports whether Commit would change anything
	HasWrites() bool
	Commit(ctx context.Context, timeout time.Duration) error
	Rollback()
}

// WriteOp is the kind of a buffered write
type WriteOp string

const (
	OpInsert WriteOp = "insert"
	OpUpdate WriteOp = "update"
	OpDelete WriteOp = "delete"
)

// Write is one buffered mutation. Sequence is the sequence the writer read
// for updates and deletes.
type Write struct {
	Op       WriteOp `json:"op"`
	Bucket   string  `json:"bucket"`
	Key      string  `json:"key"`
	Sequence uint64  `json:"sequence,omitempty"`
	Data     []byte  `json:"data,omitempty"`
}

// Read is an observed key. Sequence 0 means the key was absent.
type Read struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Sequence uint64 `json:"sequence"`
}

// PrefixRead is an observed range. Keys holds every key and sequence seen
// under the prefix so inserts into the range are detected too.
type PrefixRead struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
	Keys   []Read `json:"keys"`
}

// Batch is the unit handed to a Committer
type Batch struct {
	Reads    []Read       `json:"reads,omitempty"`
	Prefixes []PrefixRead `json:"prefixes,omitempty"`
	Writes   []Write      `json:"writes"`
}
