package crdt

import (
	"fmt"
	"strings"
	"time"
)

// Timestamp is an immutable snapshot of a vector clock taken at a write.
type Timestamp struct {
	VectorClock map[string]int64 `json:"vector_clock"`
	WallClock   time.Time        `json:"wall_clock"`
	NodeID      string           `json:"node_id"`
}

// Compare orders two timestamps: causal precedence first, then the policy's
// tiebreak for concurrent clocks. Node id makes the order total for writes
// from distinct nodes.
func (t Timestamp) Compare(other Timestamp, policy TieBreakPolicy) int {
	switch CompareClocks(t.VectorClock, other.VectorClock) {
	case Before:
		return -1
	case After:
		return 1
	}

	if policy == TieBreakLogical {
		if c := compareInt64(clockSum(t.VectorClock), clockSum(other.VectorClock)); c != 0 {
			return c
		}
		if c := strings.Compare(t.NodeID, other.NodeID); c != 0 {
			return c
		}
		return t.WallClock.Compare(other.WallClock)
	}

	if c := t.WallClock.Compare(other.WallClock); c != 0 {
		return c
	}
	return strings.Compare(t.NodeID, other.NodeID)
}

// Less reports t < other under the default wall clock policy
func (t Timestamp) Less(other Timestamp) bool {
	return t.Compare(other, TieBreakWallClock) < 0
}

// String renders the timestamp for logs
func (t Timestamp) String() string {
	return fmt.Sprintf("%s@%s%v", t.NodeID, t.WallClock.Format(time.RFC3339Nano), t.VectorClock)
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func errMissingField(field string) error {
	return fmt.Errorf("missing required field %q", field)
}

func errNegativeCounter(node string) error {
	return fmt.Errorf("negative counter for node %q", node)
}
