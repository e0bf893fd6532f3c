package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/keeper/pkg/errdefs"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket holding the global sequence counter
	bucketMeta  = []byte("_meta")
	keySequence = []byte("sequence")
)

// BoltStore implements Reader and Committer using BoltDB. Each bucket name
// maps to one bolt bucket, created on first write.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "keeper.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketMeta, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get returns a committed record
func (s *BoltStore) Get(bucket, key string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		seq, data, ok := get(tx, bucket, key)
		if !ok {
			return fmt.Errorf("%s/%s: %w", bucket, key, errdefs.NotFound)
		}
		rec = Record{Bucket: bucket, Key: key, Sequence: seq, Data: data}
		return nil
	})
	return rec, err
}

// Scan returns committed records under prefix
func (s *BoltStore) Scan(bucket, prefix string) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		records = scan(tx, bucket, prefix)
		return nil
	})
	return records, err
}

// LastSequence returns the highest sequence ever assigned
func (s *BoltStore) LastSequence() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		seq = readCounter(tx)
		return nil
	})
	return seq, err
}

// Commit applies the batch directly. It is the single-node Committer; the
// replicated one lives in the manager package and ends up in ApplyBatch too.
func (s *BoltStore) Commit(ctx context.Context, batch *Batch, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ApplyBatch(batch)
}

// ApplyBatch validates the read set and applies every write atomically. A
// batch whose reads no longer match fails with errdefs.StaleSequence and
// changes nothing.
func (s *BoltStore) ApplyBatch(batch *Batch) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := validate(tx, batch); err != nil {
			return err
		}

		next := readCounter(tx)
		for _, w := range batch.Writes {
			b, err := tx.CreateBucketIfNotExists([]byte(w.Bucket))
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", w.Bucket, err)
			}

			switch w.Op {
			case OpInsert, OpUpdate:
				next++
				if err := b.Put([]byte(w.Key), encode(next, w.Data)); err != nil {
					return err
				}
			case OpDelete:
				if err := b.Delete([]byte(w.Key)); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown write op %q: %w", w.Op, errdefs.InvariantViolation)
			}
		}
		return writeCounter(tx, next)
	})
}

// Export returns every record, used for raft snapshots
func (s *BoltStore) Export() ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if bytes.Equal(name, bucketMeta) {
				return nil
			}
			records = append(records, scan(tx, string(name), "")...)
			return nil
		})
	})
	return records, err
}

// Restore replaces the whole contents with records, keeping their
// sequence numbers
func (s *BoltStore) Restore(records []Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var names [][]byte
		err := tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			if !bytes.Equal(name, bucketMeta) {
				names = append(names, bytes.Clone(name))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}

		var high uint64
		for _, rec := range records {
			b, err := tx.CreateBucketIfNotExists([]byte(rec.Bucket))
			if err != nil {
				return err
			}
			if err := b.Put([]byte(rec.Key), encode(rec.Sequence, rec.Data)); err != nil {
				return err
			}
			high = max(high, rec.Sequence)
		}
		return writeCounter(tx, max(high, readCounter(tx)))
	})
}

func validate(tx *bolt.Tx, batch *Batch) error {
	for _, r := range batch.Reads {
		seq, _, _ := get(tx, r.Bucket, r.Key)
		if seq != r.Sequence {
			return fmt.Errorf("%s/%s read at %d, now %d: %w", r.Bucket, r.Key, r.Sequence, seq, errdefs.StaleSequence)
		}
	}

	for _, p := range batch.Prefixes {
		current := scan(tx, p.Bucket, p.Prefix)
		if len(current) != len(p.Keys) {
			return fmt.Errorf("%s/%s* changed: %w", p.Bucket, p.Prefix, errdefs.StaleSequence)
		}
		for i, rec := range current {
			if rec.Key != p.Keys[i].Key || rec.Sequence != p.Keys[i].Sequence {
				return fmt.Errorf("%s/%s* changed at %s: %w", p.Bucket, p.Prefix, rec.Key, errdefs.StaleSequence)
			}
		}
	}

	for _, w := range batch.Writes {
		seq, _, exists := get(tx, w.Bucket, w.Key)
		switch w.Op {
		case OpInsert:
			if exists {
				return fmt.Errorf("insert %s/%s: %w", w.Bucket, w.Key, errdefs.StaleSequence)
			}
		case OpUpdate, OpDelete:
			if !exists || seq != w.Sequence {
				return fmt.Errorf("%s %s/%s at %d, now %d: %w", w.Op, w.Bucket, w.Key, w.Sequence, seq, errdefs.StaleSequence)
			}
		}
	}
	return nil
}

func get(tx *bolt.Tx, bucket, key string) (uint64, []byte, bool) {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return 0, nil, false
	}
	v := b.Get([]byte(key))
	if v == nil {
		return 0, nil, false
	}
	seq, data := decode(v)
	return seq, data, true
}

func scan(tx *bolt.Tx, bucket, prefix string) []Record {
	b := tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}

	var records []Record
	c := b.Cursor()
	p := []byte(prefix)
	for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
		seq, data := decode(v)
		records = append(records, Record{Bucket: bucket, Key: string(k), Sequence: seq, Data: data})
	}
	return records
}

// Values are an 8 byte big endian sequence followed by the payload. Bolt
// values are only valid for the life of the transaction, so decode copies.
func encode(seq uint64, data []byte) []byte {
	buf := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(buf, seq)
	copy(buf[8:], data)
	return buf
}

func decode(v []byte) (uint64, []byte) {
	if len(v) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(v[:8]), bytes.Clone(v[8:])
}

func readCounter(tx *bolt.Tx) uint64 {
	v := tx.Bucket(bucketMeta).Get(keySequence)
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func writeCounter(tx *bolt.Tx, seq uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return tx.Bucket(bucketMeta).Put(keySequence, buf)
}
