package storage

import (
	"fmt"

	"github.com/cuemby/keeper/pkg/errdefs"
	"github.com/cuemby/keeper/pkg/types"
)

// Rollout contexts are stored one bucket per kind, keyed by RolloutContext.Key.

// ReadContext reads a context inside tx
func ReadContext(tx Tx, kind types.ContextKind, key string) (*types.RolloutContext, error) {
	rec, err := tx.ReadExact(string(kind), key)
	if err != nil {
		return nil, err
	}
	return types.Unmarshal(rec.Data, rec.Sequence)
}

// ReadContexts reads every context of kind under prefix inside tx
func ReadContexts(tx Tx, kind types.ContextKind, prefix string) ([]*types.RolloutContext, error) {
	records, err := tx.ReadPrefix(string(kind), prefix)
	if err != nil {
		return nil, err
	}
	return decodeAll(records)
}

// InsertContext stages a new context
func InsertContext(tx Tx, c *types.RolloutContext) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	return tx.Insert(string(c.Kind), c.Key, data)
}

// WriteContext stages c, inserting it when it has never been stored and
// updating it at its read sequence otherwise
func WriteContext(tx Tx, c *types.RolloutContext) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	return tx.Update(string(c.Kind), c.Key, data, c.SequenceNumber)
}

// DeleteContext stages removal of c at its read sequence
func DeleteContext(tx Tx, c *types.RolloutContext) error {
	if c.SequenceNumber == 0 {
		return fmt.Errorf("delete of unsaved %s %q: %w", c.Kind, c.Key, errdefs.InvariantViolation)
	}
	return tx.Delete(string(c.Kind), c.Key, c.SequenceNumber)
}

// GetContext reads a committed context outside any transaction
func GetContext(r Reader, kind types.ContextKind, key string) (*types.RolloutContext, error) {
	rec, err := r.Get(string(kind), key)
	if err != nil {
		return nil, err
	}
	return types.Unmarshal(rec.Data, rec.Sequence)
}

// ListContexts reads every committed context of kind
func ListContexts(r Reader, kind types.ContextKind) ([]*types.RolloutContext, error) {
	records, err := r.Scan(string(kind), "")
	if err != nil {
		return nil, err
	}
	return decodeAll(records)
}

func decodeAll(records []Record) ([]*types.RolloutContext, error) {
	out := make([]*types.RolloutContext, 0, len(records))
	for _, rec := range records {
		c, err := types.Unmarshal(rec.Data, rec.Sequence)
		if err != nil {
			return nil, fmt.Errorf("%s/%s: %w", rec.Bucket, rec.Key, err)
		}
		out = append(out, c)
	}
	return out, nil
}
