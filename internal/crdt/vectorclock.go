package crdt

import (
	"encoding/json"
	"sort"

	apperrors "github.com/kalanet/kalasync/internal/errors"
)

// Ordering is the causal relation between two vector clocks
type Ordering int

const (
	// Identical means both clocks carry the same counters
	Identical Ordering = iota
	// Before means the first clock happens before the second
	Before
	// After means the first clock happens after the second
	After
	// Concurrent means neither clock dominates the other
	Concurrent
)

// CompareClocks compares two clock maps. Missing entries count as zero.
func CompareClocks(a, b map[string]int64) Ordering {
	allBefore := true
	allAfter := true

	for node, ta := range a {
		tb := b[node]
		if ta < tb {
			allAfter = false
		} else if ta > tb {
			allBefore = false
		}
	}
	for node, tb := range b {
		if _, seen := a[node]; seen {
			continue
		}
		if tb > 0 {
			allAfter = false
		}
	}

	switch {
	case allBefore && allAfter:
		return Identical
	case allBefore:
		return Before
	case allAfter:
		return After
	default:
		return Concurrent
	}
}

// MergeClocks returns the componentwise maximum of the given clocks
func MergeClocks(clocks ...map[string]int64) map[string]int64 {
	merged := make(map[string]int64)
	for _, clock := range clocks {
		for node, ts := range clock {
			if existing, ok := merged[node]; !ok || ts > existing {
				merged[node] = ts
			}
		}
	}
	return merged
}

func clockSum(clock map[string]int64) int64 {
	var sum int64
	for _, ts := range clock {
		sum += ts
	}
	return sum
}

func copyClock(clock map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(clock))
	for node, ts := range clock {
		out[node] = ts
	}
	return out
}

// VectorClock tracks causality for the events of one owning node.
type VectorClock struct {
	nodeID string
	clock  map[string]int64
	now    WallClock
}

// NewVectorClock creates a clock holding only the owner's zero entry.
func NewVectorClock(nodeID string, opts ...Option) *VectorClock {
	o := newOptions(opts)
	return &VectorClock{
		nodeID: nodeID,
		clock:  map[string]int64{nodeID: 0},
		now:    o.now,
	}
}

// NodeID returns the owning node
func (vc *VectorClock) NodeID() string {
	return vc.nodeID
}

// Increment records a local event.
func (vc *VectorClock) Increment() {
	vc.clock[vc.nodeID]++
}

// Update folds a received clock into this one and then records the receive
// as a local event, so the owner always advances past what it has observed.
func (vc *VectorClock) Update(other map[string]int64) {
	for node, ts := range other {
		if ts > vc.clock[node] {
			vc.clock[node] = ts
		}
	}
	vc.Increment()
}

// Get returns the counter for node, zero when unseen
func (vc *VectorClock) Get(node string) int64 {
	return vc.clock[node]
}

// Entries returns a copy of the counters
func (vc *VectorClock) Entries() map[string]int64 {
	return copyClock(vc.clock)
}

// GetTimestamp snapshots the clock with the current wall time.
func (vc *VectorClock) GetTimestamp() Timestamp {
	return Timestamp{
		VectorClock: copyClock(vc.clock),
		WallClock:   vc.now().UTC().Round(0),
		NodeID:      vc.nodeID,
	}
}

// Compare returns the causal relation between vc and other
func (vc *VectorClock) Compare(other *VectorClock) Ordering {
	return CompareClocks(vc.clock, other.clock)
}

// HappensBefore reports strict causal precedence of vc over other
func (vc *VectorClock) HappensBefore(other *VectorClock) bool {
	return vc.Compare(other) == Before
}

// ConcurrentWith reports that neither clock precedes the other. Identical
// clocks are not concurrent.
func (vc *VectorClock) ConcurrentWith(other *VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Merge returns a new clock holding the componentwise maximum. The result
// keeps the receiver's owner and wall clock source.
func (vc *VectorClock) Merge(other *VectorClock) *VectorClock {
	merged := MergeClocks(vc.clock, other.clock)
	if _, ok := merged[vc.nodeID]; !ok {
		merged[vc.nodeID] = 0
	}
	return &VectorClock{nodeID: vc.nodeID, clock: merged, now: vc.now}
}

// Clone returns an independent copy
func (vc *VectorClock) Clone() *VectorClock {
	return &VectorClock{nodeID: vc.nodeID, clock: copyClock(vc.clock), now: vc.now}
}

// Nodes returns the node ids present in the clock, sorted
func (vc *VectorClock) Nodes() []string {
	nodes := make([]string, 0, len(vc.clock))
	for node := range vc.clock {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

type vectorClockJSON struct {
	NodeID string           `json:"node_id"`
	Clock  map[string]int64 `json:"clock"`
}

// MarshalJSON encodes {node_id, clock}
func (vc *VectorClock) MarshalJSON() ([]byte, error) {
	return json.Marshal(vectorClockJSON{NodeID: vc.nodeID, Clock: vc.clock})
}

// UnmarshalJSON decodes {node_id, clock}, keeping an injected wall clock.
func (vc *VectorClock) UnmarshalJSON(data []byte) error {
	var raw vectorClockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperrors.Deserialization("vector clock", err)
	}
	if raw.NodeID == "" {
		return apperrors.Deserialization("vector clock", errMissingField("node_id"))
	}
	clock := make(map[string]int64, len(raw.Clock)+1)
	for node, ts := range raw.Clock {
		if ts < 0 {
			return apperrors.Deserialization("vector clock", errNegativeCounter(node))
		}
		clock[node] = ts
	}
	if _, ok := clock[raw.NodeID]; !ok {
		clock[raw.NodeID] = 0
	}
	vc.nodeID = raw.NodeID
	vc.clock = clock
	if vc.now == nil {
		vc.now = newOptions(nil).now
	}
	return nil
}
