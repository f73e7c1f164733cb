package crdt

import (
	"encoding/json"

	apperrors "github.com/kalanet/kalasync/internal/errors"
)

// PNCounter is a signed counter built from two grow-only counters.
type PNCounter struct {
	nodeID   string
	positive *GCounter
	negative *GCounter
}

// NewPNCounter creates a zero counter owned by nodeID
func NewPNCounter(nodeID string) *PNCounter {
	return &PNCounter{
		nodeID:   nodeID,
		positive: NewGCounter(nodeID),
		negative: NewGCounter(nodeID),
	}
}

// NodeID returns the owning node
func (c *PNCounter) NodeID() string {
	return c.nodeID
}

// Increment adds amount (>= 0) to the counter
func (c *PNCounter) Increment(amount float64) error {
	return c.positive.Increment(amount)
}

// Decrement subtracts amount (>= 0) from the counter
func (c *PNCounter) Decrement(amount float64) error {
	if err := c.negative.Increment(amount); err != nil {
		return apperrors.InvalidAmount("decrement", amount)
	}
	return nil
}

// Value returns positive minus negative; it may be negative
func (c *PNCounter) Value() float64 {
	return c.positive.Value() - c.negative.Value()
}

// Positive returns a copy of the increment side
func (c *PNCounter) Positive() *GCounter {
	return c.positive.Clone()
}

// Negative returns a copy of the decrement side
func (c *PNCounter) Negative() *GCounter {
	return c.negative.Clone()
}

// Merge merges both sides componentwise
func (c *PNCounter) Merge(other *PNCounter) *PNCounter {
	return &PNCounter{
		nodeID:   c.nodeID,
		positive: c.positive.Merge(other.positive),
		negative: c.negative.Merge(other.negative),
	}
}

// Clone returns an independent copy
func (c *PNCounter) Clone() *PNCounter {
	return &PNCounter{nodeID: c.nodeID, positive: c.positive.Clone(), negative: c.negative.Clone()}
}

func (c *PNCounter) rebind(nodeID string) *PNCounter {
	return &PNCounter{nodeID: nodeID, positive: c.positive.rebind(nodeID), negative: c.negative.rebind(nodeID)}
}

type pncounterJSON struct {
	NodeID   string    `json:"node_id"`
	Positive *GCounter `json:"positive"`
	Negative *GCounter `json:"negative"`
}

// MarshalJSON encodes {node_id, positive, negative}
func (c *PNCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(pncounterJSON{NodeID: c.nodeID, Positive: c.positive, Negative: c.negative})
}

// UnmarshalJSON decodes {node_id, positive, negative}; missing sides start at zero
func (c *PNCounter) UnmarshalJSON(data []byte) error {
	var raw pncounterJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		if apperrors.IsSyncError(err) {
			return err
		}
		return apperrors.Deserialization("pncounter", err)
	}
	if raw.NodeID == "" {
		return apperrors.Deserialization("pncounter", errMissingField("node_id"))
	}
	if raw.Positive == nil {
		raw.Positive = NewGCounter(raw.NodeID)
	}
	if raw.Negative == nil {
		raw.Negative = NewGCounter(raw.NodeID)
	}
	c.nodeID = raw.NodeID
	c.positive = raw.Positive.rebind(raw.NodeID)
	c.negative = raw.Negative.rebind(raw.NodeID)
	return nil
}
