package types

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes the context for storage
func (c *RolloutContext) Marshal() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

// Unmarshal decodes a stored context and attaches its sequence number
func Unmarshal(data []byte, sequence uint64) (*RolloutContext, error) {
	var c RolloutContext
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode rollout context: %w", err)
	}
	c.SequenceNumber = sequence
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Clone returns a deep copy through the storage encoding
func (c *RolloutContext) Clone() (*RolloutContext, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out RolloutContext
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	out.SequenceNumber = c.SequenceNumber
	return &out, nil
}
