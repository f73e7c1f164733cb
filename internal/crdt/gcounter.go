package crdt

import (
	"encoding/json"
	"math"
	"sort"

	apperrors "github.com/kalanet/kalasync/internal/errors"
)

// GCounter is a grow-only counter. Each node only increments its own entry;
// merge takes the per-node maximum so re-merging never double counts.
type GCounter struct {
	nodeID     string
	increments map[string]float64
}

// NewGCounter creates a zero counter owned by nodeID
func NewGCounter(nodeID string) *GCounter {
	return &GCounter{nodeID: nodeID, increments: make(map[string]float64)}
}

// NodeID returns the owning node
func (g *GCounter) NodeID() string {
	return g.nodeID
}

// Increment adds amount to the owner's entry. Negative or non-finite amounts
// are rejected and leave the counter unchanged.
func (g *GCounter) Increment(amount float64) error {
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return apperrors.InvalidAmount("increment", amount)
	}
	g.increments[g.nodeID] += amount
	return nil
}

// Value sums all entries in node id order, keeping float addition stable
// across replicas.
func (g *GCounter) Value() float64 {
	var total float64
	for _, node := range sortedKeys(g.increments) {
		total += g.increments[node]
	}
	return total
}

// Get returns the contribution of node
func (g *GCounter) Get(node string) float64 {
	return g.increments[node]
}

// Increments returns a copy of the per-node contributions
func (g *GCounter) Increments() map[string]float64 {
	out := make(map[string]float64, len(g.increments))
	for node, v := range g.increments {
		out[node] = v
	}
	return out
}

// Merge returns a counter with the per-node maximum of both operands.
func (g *GCounter) Merge(other *GCounter) *GCounter {
	merged := g.Clone()
	for node, v := range other.increments {
		if current, ok := merged.increments[node]; !ok || v > current {
			merged.increments[node] = v
		}
	}
	return merged
}

// Clone returns an independent copy
func (g *GCounter) Clone() *GCounter {
	return &GCounter{nodeID: g.nodeID, increments: g.Increments()}
}

// rebind returns a copy owned by nodeID carrying the same contributions
func (g *GCounter) rebind(nodeID string) *GCounter {
	c := g.Clone()
	c.nodeID = nodeID
	return c
}

type gcounterJSON struct {
	NodeID     string             `json:"node_id"`
	Increments map[string]float64 `json:"increments"`
}

// MarshalJSON encodes {node_id, increments}
func (g *GCounter) MarshalJSON() ([]byte, error) {
	return json.Marshal(gcounterJSON{NodeID: g.nodeID, Increments: g.increments})
}

// UnmarshalJSON decodes {node_id, increments}
func (g *GCounter) UnmarshalJSON(data []byte) error {
	var raw gcounterJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperrors.Deserialization("gcounter", err)
	}
	if raw.NodeID == "" {
		return apperrors.Deserialization("gcounter", errMissingField("node_id"))
	}
	increments := make(map[string]float64, len(raw.Increments))
	for node, v := range raw.Increments {
		if v < 0 {
			return apperrors.Deserialization("gcounter", errNegativeCounter(node))
		}
		increments[node] = v
	}
	g.nodeID = raw.NodeID
	g.increments = increments
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
