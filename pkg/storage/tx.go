package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
)

// TxStore opens optimistic transactions: reads go to the Reader, writes are
// buffered and handed to the Committer as one Batch
type TxStore struct {
	Reader
	committer Committer
}

// NewTxStore returns a Store over reader and committer
func NewTxStore(reader Reader, committer Committer) *TxStore {
	return &TxStore{Reader: reader, committer: committer}
}

// Begin opens a transaction
func (s *TxStore) Begin() Tx {
	return &txn{
		reader:    s.Reader,
		committer: s.committer,
		reads:     make(map[recordKey]uint64),
		writes:    make(map[recordKey]*Write),
	}
}

type recordKey struct {
	bucket string
	key    string
}

type txn struct {
	mu        sync.Mutex
	reader    Reader
	committer Committer

	reads    map[recordKey]uint64
	prefixes []PrefixRead
	writes   map[recordKey]*Write
	order    []recordKey
	done     bool
}

func (t *txn) ReadExact(bucket, key string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read(bucket, key)
}

func (t *txn) read(bucket, key string) (Record, error) {
	k := recordKey{bucket, key}
	if w, ok := t.writes[k]; ok {
		if w.Op == OpDelete {
			return Record{}, fmt.Errorf("%s/%s: %w", bucket, key, errdefs.NotFound)
		}
		return Record{Bucket: bucket, Key: key, Sequence: w.Sequence, Data: w.Data}, nil
	}

	rec, err := t.reader.Get(bucket, key)
	if errdefs.IsNotFound(err) {
		t.observe(k, 0)
		return Record{}, err
	}
	if err != nil {
		return Record{}, err
	}
	t.observe(k, rec.Sequence)
	return rec, nil
}

// observe keeps the first sequence seen for a key; a later read returning
// something else means the record moved under us and commit will fail anyway
func (t *txn) observe(k recordKey, seq uint64) {
	if _, ok := t.reads[k]; !ok {
		t.reads[k] = seq
	}
}

func (t *txn) ReadPrefix(bucket, prefix string) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	committed, err := t.reader.Scan(bucket, prefix)
	if err != nil {
		return nil, err
	}

	seen := PrefixRead{Bucket: bucket, Prefix: prefix, Keys: make([]Read, 0, len(committed))}
	byKey := make(map[string]Record, len(committed))
	for _, rec := range committed {
		seen.Keys = append(seen.Keys, Read{Bucket: bucket, Key: rec.Key, Sequence: rec.Sequence})
		byKey[rec.Key] = rec
	}
	t.prefixes = append(t.prefixes, seen)

	for k, w := range t.writes {
		if k.bucket != bucket || !strings.HasPrefix(k.key, prefix) {
			continue
		}
		if w.Op == OpDelete {
			delete(byKey, k.key)
			continue
		}
		byKey[k.key] = Record{Bucket: bucket, Key: k.key, Sequence: w.Sequence, Data: w.Data}
	}

	records := make([]Record, 0, len(byKey))
	for _, rec := range byKey {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	return records, nil
}

func (t *txn) Insert(bucket, key string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, err := t.read(bucket, key)
	if err == nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, errdefs.AlreadyExists)
	}
	if !errdefs.IsNotFound(err) {
		return err
	}

	k := recordKey{bucket, key}
	if w, ok := t.writes[k]; ok && w.Op == OpDelete {
		// delete then insert in one transaction replaces the record
		w.Op = OpUpdate
		w.Data = data
		return nil
	}
	t.stage(k, &Write{Op: OpInsert, Bucket: bucket, Key: key, Data: data})
	return nil
}

func (t *txn) Update(bucket, key string, data []byte, sequence uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := recordKey{bucket, key}
	if w, ok := t.writes[k]; ok {
		if w.Op == OpDelete {
			return fmt.Errorf("update of deleted %s/%s: %w", bucket, key, errdefs.NotFound)
		}
		if w.Sequence != sequence {
			return fmt.Errorf("%s/%s staged at %d, update at %d: %w", bucket, key, w.Sequence, sequence, errdefs.StaleSequence)
		}
		w.Data = data
		return nil
	}

	t.observe(k, sequence)
	if sequence == 0 {
		t.stage(k, &Write{Op: OpInsert, Bucket: bucket, Key: key, Data: data})
		return nil
	}
	t.stage(k, &Write{Op: OpUpdate, Bucket: bucket, Key: key, Sequence: sequence, Data: data})
	return nil
}

func (t *txn) Delete(bucket, key string, sequence uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := recordKey{bucket, key}
	if w, ok := t.writes[k]; ok {
		switch w.Op {
		case OpInsert:
			delete(t.writes, k)
			t.unstage(k)
			return nil
		case OpDelete:
			return fmt.Errorf("%s/%s: %w", bucket, key, errdefs.NotFound)
		}
		w.Op = OpDelete
		w.Data = nil
		return nil
	}

	t.observe(k, sequence)
	t.stage(k, &Write{Op: OpDelete, Bucket: bucket, Key: key, Sequence: sequence})
	return nil
}

func (t *txn) TryReadOrInsertIfNotFound(bucket, key string, data []byte) (Record, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.read(bucket, key)
	if err == nil {
		return rec, false, nil
	}
	if !errdefs.IsNotFound(err) {
		return Record{}, false, err
	}
	t.stage(recordKey{bucket, key}, &Write{Op: OpInsert, Bucket: bucket, Key: key, Data: data})
	return Record{Bucket: bucket, Key: key, Data: data}, true, nil
}

func (t *txn) stage(k recordKey, w *Write) {
	t.writes[k] = w
	t.order = append(t.order, k)
}

func (t *txn) unstage(k recordKey) {
	for i, o := range t.order {
		if o == k {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func (t *txn) HasWrites() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.writes) > 0
}

// Commit hands the batch to the committer. A transaction without writes
// commits trivially.
func (t *txn) Commit(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return fmt.Errorf("transaction already finished: %w", errdefs.InvariantViolation)
	}
	t.done = true
	batch := t.batch()
	t.mu.Unlock()

	if len(batch.Writes) == 0 {
		return nil
	}
	return t.committer.Commit(ctx, batch, timeout)
}

func (t *txn) batch() *Batch {
	b := &Batch{Prefixes: t.prefixes}
	for k, seq := range t.reads {
		b.Reads = append(b.Reads, Read{Bucket: k.bucket, Key: k.key, Sequence: seq})
	}
	sort.Slice(b.Reads, func(i, j int) bool {
		if b.Reads[i].Bucket != b.Reads[j].Bucket {
			return b.Reads[i].Bucket < b.Reads[j].Bucket
		}
		return b.Reads[i].Key < b.Reads[j].Key
	})
	for _, k := range t.order {
		b.Writes = append(b.Writes, *t.writes[k])
	}
	return b
}

func (t *txn) Rollback() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	t.writes = nil
	t.order = nil
}
