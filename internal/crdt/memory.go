package crdt

import (
	"encoding/json"

	"github.com/kalanet/kalasync/internal/util"
)

// Record is an opaque memory entry as received from the memory backend.
type Record = map[string]any

// Memory is the replicated memory store: a thin wrapper over an
// LWWElementSet of records keyed by memory id.
type Memory struct {
	set *LWWElementSet[Record]
}

// NewMemory creates an empty memory store owned by nodeID
func NewMemory(nodeID string, opts ...Option) *Memory {
	return &Memory{set: NewLWWElementSet[Record](nodeID, opts...)}
}

// NodeID returns the owning node
func (m *Memory) NodeID() string {
	return m.set.NodeID()
}

// StoreMemory writes data under id. The record is copied shallowly.
func (m *Memory) StoreMemory(id string, data Record) {
	m.set.Add(id, copyRecord(data))
}

// GetMemory returns a shallow copy of the record stored under id
func (m *Memory) GetMemory(id string) (Record, bool) {
	rec, ok := m.set.Get(id)
	if !ok {
		return nil, false
	}
	return copyRecord(rec), true
}

// DeleteMemory tombstones id
func (m *Memory) DeleteMemory(id string) {
	m.set.Remove(id)
}

// AllMemories returns the live records ordered by id
func (m *Memory) AllMemories() []Record {
	values := m.set.Values()
	out := make([]Record, 0, len(values))
	for _, rec := range values {
		out = append(out, copyRecord(rec))
	}
	return out
}

// IDs returns the live memory ids in ascending order
func (m *Memory) IDs() []string {
	return m.set.Keys()
}

// Len returns the number of live memories
func (m *Memory) Len() int {
	return m.set.Len()
}

// Set exposes the underlying element set for inspection
func (m *Memory) Set() *LWWElementSet[Record] {
	return m.set
}

// MergeWith returns the merge of m and other; neither is modified
func (m *Memory) MergeWith(other *Memory) *Memory {
	return &Memory{set: m.set.Merge(other.set)}
}

// Clone returns an independent copy
func (m *Memory) Clone() *Memory {
	return &Memory{set: m.set.Clone()}
}

// Digest returns a checksum of the serialized state
func (m *Memory) Digest() (uint32, error) {
	return util.Digest(m)
}

// MarshalJSON encodes the underlying set
func (m *Memory) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.set)
}

// UnmarshalJSON decodes the underlying set, keeping constructor options when
// the receiver was built with NewMemory.
func (m *Memory) UnmarshalJSON(data []byte) error {
	if m.set == nil {
		m.set = &LWWElementSet[Record]{}
	}
	return m.set.UnmarshalJSON(data)
}

func copyRecord(rec Record) Record {
	if rec == nil {
		return nil
	}
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
