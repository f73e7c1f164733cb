package crdt

import (
	"encoding/json"
	"sort"
	"time"

	apperrors "github.com/kalanet/kalasync/internal/errors"
)

// Element is one keyed register. A deleted element is a tombstone and its
// Value is the zero value.
type Element[V any] struct {
	Key       string
	Value     V
	Timestamp Timestamp
	Deleted   bool
}

type elementJSON[V any] struct {
	Key       string    `json:"key"`
	Value     *V        `json:"value"`
	Timestamp Timestamp `json:"timestamp"`
	Deleted   bool      `json:"deleted"`
}

// MarshalJSON writes tombstones with a null value.
func (e Element[V]) MarshalJSON() ([]byte, error) {
	raw := elementJSON[V]{Key: e.Key, Timestamp: e.Timestamp, Deleted: e.Deleted}
	if !e.Deleted {
		v := e.Value
		raw.Value = &v
	}
	return json.Marshal(raw)
}

// UnmarshalJSON reads an element; the value of a tombstone is ignored.
func (e *Element[V]) UnmarshalJSON(data []byte) error {
	var raw elementJSON[V]
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var zero V
	e.Key = raw.Key
	e.Timestamp = raw.Timestamp
	e.Deleted = raw.Deleted
	e.Value = zero
	if !raw.Deleted && raw.Value != nil {
		e.Value = *raw.Value
	}
	return nil
}

// LWWElementSet is a last-write-wins map from key to value with tombstones.
// At most one element is kept per key: the one with the greatest timestamp.
//
// Local writes never carry a wall time at or below the latest wall time the
// set has seen, local or merged in. A write that causally follows another
// therefore also follows it in wall time, which keeps the wall clock tie
// break a total order when a node's clock steps backwards.
type LWWElementSet[V any] struct {
	nodeID   string
	clock    *VectorClock
	elements map[string]Element[V]
	latest   time.Time
	opts     options
}

// NewLWWElementSet creates an empty set owned by nodeID.
func NewLWWElementSet[V any](nodeID string, opts ...Option) *LWWElementSet[V] {
	o := newOptions(opts)
	return &LWWElementSet[V]{
		nodeID:   nodeID,
		clock:    NewVectorClock(nodeID, o.asOptions()...),
		elements: make(map[string]Element[V]),
		opts:     o,
	}
}

// NodeID returns the owning node
func (s *LWWElementSet[V]) NodeID() string {
	return s.nodeID
}

// Add writes value under key. The write is dropped if the stored element
// is newer.
func (s *LWWElementSet[V]) Add(key string, value V) {
	s.put(Element[V]{Key: key, Value: value, Timestamp: s.stamp()})
}

// Remove writes a tombstone for key under the same replacement rule as Add.
func (s *LWWElementSet[V]) Remove(key string) {
	s.put(Element[V]{Key: key, Timestamp: s.stamp(), Deleted: true})
}

// stamp records a local event and returns its timestamp, with the wall time
// raised to one nanosecond past the latest one seen.
func (s *LWWElementSet[V]) stamp() Timestamp {
	s.clock.Increment()
	ts := s.clock.GetTimestamp()
	if floor := s.latest.Add(time.Nanosecond); !s.latest.IsZero() && ts.WallClock.Before(floor) {
		ts.WallClock = floor
	}
	return ts
}

func (s *LWWElementSet[V]) put(e Element[V]) {
	s.observe(e.Timestamp.WallClock)
	if s.newer(e, s.elements) {
		s.elements[e.Key] = e
	}
}

func (s *LWWElementSet[V]) observe(wall time.Time) {
	if wall.After(s.latest) {
		s.latest = wall
	}
}

// LatestWallClock returns the greatest wall time among the elements the set
// has stored or merged.
func (s *LWWElementSet[V]) LatestWallClock() time.Time {
	return s.latest
}

func (s *LWWElementSet[V]) newer(e Element[V], into map[string]Element[V]) bool {
	current, ok := into[e.Key]
	if !ok {
		return true
	}
	return e.Timestamp.Compare(current.Timestamp, s.opts.tieBreak) > 0
}

// Get returns the live value for key. Absent and tombstoned keys look the same.
func (s *LWWElementSet[V]) Get(key string) (V, bool) {
	e, ok := s.elements[key]
	if !ok || e.Deleted {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Contains reports whether key has a live value
func (s *LWWElementSet[V]) Contains(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Element returns the stored element for key, tombstones included
func (s *LWWElementSet[V]) Element(key string) (Element[V], bool) {
	e, ok := s.elements[key]
	return e, ok
}

// Keys returns the live keys in ascending order
func (s *LWWElementSet[V]) Keys() []string {
	keys := make([]string, 0, len(s.elements))
	for key, e := range s.elements {
		if !e.Deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Values returns the live values ordered by key
func (s *LWWElementSet[V]) Values() []V {
	keys := s.Keys()
	values := make([]V, 0, len(keys))
	for _, key := range keys {
		values = append(values, s.elements[key].Value)
	}
	return values
}

// Items returns a copy of the live key/value pairs
func (s *LWWElementSet[V]) Items() map[string]V {
	items := make(map[string]V, len(s.elements))
	for key, e := range s.elements {
		if !e.Deleted {
			items[key] = e.Value
		}
	}
	return items
}

// Len returns the number of live keys
func (s *LWWElementSet[V]) Len() int {
	n := 0
	for _, e := range s.elements {
		if !e.Deleted {
			n++
		}
	}
	return n
}

// Tombstones returns the number of deleted keys still retained
func (s *LWWElementSet[V]) Tombstones() int {
	return len(s.elements) - s.Len()
}

// Clock returns a copy of the set's vector clock counters
func (s *LWWElementSet[V]) Clock() map[string]int64 {
	return s.clock.Entries()
}

// Merge returns a new set holding, per key, the element with the greater
// timestamp, and the union of both clocks. Neither operand is modified.
// Values are shared, not deep-copied; treat stored values as immutable.
func (s *LWWElementSet[V]) Merge(other *LWWElementSet[V]) *LWWElementSet[V] {
	merged := &LWWElementSet[V]{
		nodeID:   s.nodeID,
		clock:    s.clock.Merge(other.clock),
		elements: make(map[string]Element[V], len(s.elements)+len(other.elements)),
		latest:   s.latest,
		opts:     s.opts,
	}
	merged.observe(other.latest)
	for key, e := range s.elements {
		merged.elements[key] = e
	}
	for _, e := range other.elements {
		merged.observe(e.Timestamp.WallClock)
		if s.newer(e, merged.elements) {
			merged.elements[e.Key] = e
		}
	}
	return merged
}

// Clone returns an independent copy with the same owner
func (s *LWWElementSet[V]) Clone() *LWWElementSet[V] {
	elements := make(map[string]Element[V], len(s.elements))
	for key, e := range s.elements {
		elements[key] = e
	}
	return &LWWElementSet[V]{
		nodeID:   s.nodeID,
		clock:    s.clock.Clone(),
		elements: elements,
		latest:   s.latest,
		opts:     s.opts,
	}
}

type lwwSetJSON[V any] struct {
	NodeID      string                `json:"node_id"`
	VectorClock *VectorClock          `json:"vector_clock"`
	Elements    map[string]Element[V] `json:"elements"`
}

// MarshalJSON encodes {node_id, vector_clock, elements}
func (s *LWWElementSet[V]) MarshalJSON() ([]byte, error) {
	return json.Marshal(lwwSetJSON[V]{NodeID: s.nodeID, VectorClock: s.clock, Elements: s.elements})
}

// UnmarshalJSON restores a set. Options given to the receiver's constructor
// (wall clock, tie break) are preserved.
func (s *LWWElementSet[V]) UnmarshalJSON(data []byte) error {
	if s.opts.now == nil {
		s.opts = newOptions(nil)
	}
	raw := lwwSetJSON[V]{VectorClock: &VectorClock{now: s.opts.now}}
	if err := json.Unmarshal(data, &raw); err != nil {
		if apperrors.IsSyncError(err) {
			return err
		}
		return apperrors.Deserialization("lww element set", err)
	}
	if raw.NodeID == "" {
		return apperrors.Deserialization("lww element set", errMissingField("node_id"))
	}
	if raw.VectorClock == nil || raw.VectorClock.clock == nil {
		raw.VectorClock = NewVectorClock(raw.NodeID, s.opts.asOptions()...)
	}
	elements := make(map[string]Element[V], len(raw.Elements))
	var latest time.Time
	for key, e := range raw.Elements {
		e.Key = key
		elements[key] = e
		if e.Timestamp.WallClock.After(latest) {
			latest = e.Timestamp.WallClock
		}
	}
	s.nodeID = raw.NodeID
	s.clock = raw.VectorClock
	s.elements = elements
	s.latest = latest
	return nil
}
