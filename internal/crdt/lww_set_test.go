package crdt

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLWWElementSet_AddGetRemove(t *testing.T) {
	s := NewLWWElementSet[string]("n1")

	s.Add("a", "alpha")
	s.Add("b", "beta")
	v, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)
	assert.True(t, s.Contains("b"))

	s.Remove("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
	assert.False(t, s.Contains("a"))
	assert.False(t, s.Contains("missing"))

	e, ok := s.Element("a")
	require.True(t, ok, "tombstone is retained")
	assert.True(t, e.Deleted)

	s.Add("a", "again")
	assert.Equal(t, []string{"a", "b"}, s.Keys())
	assert.Equal(t, []string{"again", "beta"}, s.Values())
	assert.Equal(t, map[string]string{"a": "again", "b": "beta"}, s.Items())
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 0, s.Tombstones())
}

func TestLWWElementSet_LaterWriteWins(t *testing.T) {
	clock := newFakeClock()
	lww1 := NewLWWElementSet[string]("n1", WithWallClock(clock.Now))
	lww2 := NewLWWElementSet[string]("n2", WithWallClock(clock.Now))

	lww1.Add("k", "v1")
	lww2.Add("k", "v2")

	v, ok := lww1.Merge(lww2).Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)

	v, ok = lww2.Merge(lww1).Get("k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestLWWElementSet_CausalWriteBeatsSkewedClock(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	behind := func() time.Time { return base }
	ahead := func() time.Time { return base.Add(time.Hour) }

	s1 := NewLWWElementSet[string]("n1", WithWallClock(behind))
	s2 := NewLWWElementSet[string]("n2", WithWallClock(ahead))
	s2.Add("k", "from-n2")

	s1 = s1.Merge(s2)
	s1.Add("k", "from-n1")

	v, _ := s1.Merge(s2).Get("k")
	assert.Equal(t, "from-n1", v, "a write that observed the other dominates it causally")
	assert.Equal(t, map[string]int64{"n1": 1, "n2": 1}, s1.Clock())
}

func TestLWWElementSet_StaleMergeIsDropped(t *testing.T) {
	clock := newFakeClock()
	s := NewLWWElementSet[string]("n1", WithWallClock(clock.Now))
	s.Add("k", "old")
	old := s.Clone()
	s.Add("k", "new")

	merged := s.Merge(old)
	v, _ := merged.Get("k")
	assert.Equal(t, "new", v)
}

func TestLWWElementSet_TombstoneDominance(t *testing.T) {
	clock := newFakeClock()
	s1 := NewLWWElementSet[string]("n1", WithWallClock(clock.Now))
	s1.Add("k", "v")

	s2 := NewLWWElementSet[string]("n2", WithWallClock(clock.Now)).Merge(s1)
	s2.Remove("k")

	merged := s1.Merge(s2)
	assert.False(t, merged.Contains("k"))

	again := merged.Merge(s1)
	assert.False(t, again.Contains("k"), "an older add must not resurrect the key")
	assert.False(t, s1.Merge(again).Contains("k"))
	assert.Equal(t, 1, again.Tombstones())
}

func TestLWWElementSet_MergeDoesNotMutateOperands(t *testing.T) {
	clock := newFakeClock()
	a := NewLWWElementSet[string]("n1", WithWallClock(clock.Now))
	b := NewLWWElementSet[string]("n2", WithWallClock(clock.Now))
	a.Add("x", "1")
	b.Add("y", "2")

	merged := a.Merge(b)
	merged.Add("z", "3")

	assert.Equal(t, []string{"x"}, a.Keys())
	assert.Equal(t, []string{"y"}, b.Keys())
	assert.Equal(t, []string{"x", "y", "z"}, merged.Keys())
	assert.Equal(t, "n1", merged.NodeID())
	assert.Equal(t, map[string]int64{"n1": 1}, a.Clock())
}

func randomSet(node string, now WallClock, rng *rand.Rand) *LWWElementSet[string] {
	s := NewLWWElementSet[string](node, WithWallClock(now))
	for i := 0; i < 25; i++ {
		key := fmt.Sprintf("k%d", rng.Intn(8))
		if rng.Intn(4) == 0 {
			s.Remove(key)
		} else {
			s.Add(key, fmt.Sprintf("%s-%d", node, i))
		}
	}
	return s
}

func TestLWWElementSet_MergeLaws(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clocks := map[string]func() WallClock{
		"advancing": func() WallClock { return newFakeClock().Now },
		"frozen":    func() WallClock { return func() time.Time { return fixed } },
	}

	for name, mk := range clocks {
		for _, policy := range []TieBreakPolicy{TieBreakWallClock, TieBreakLogical} {
			t.Run(fmt.Sprintf("%s/%s", name, policy), func(t *testing.T) {
				rng := rand.New(rand.NewSource(42))
				now := mk()
				a := randomSet("n1", now, rng)
				b := randomSet("n2", now, rng)
				c := randomSet("n3", now, rng)
				for _, s := range []*LWWElementSet[string]{a, b, c} {
					s.opts.tieBreak = policy
				}

				assert.Equal(t, a.Merge(b).Items(), b.Merge(a).Items(), "commutativity")
				assert.Equal(t, a.Merge(b).Tombstones(), b.Merge(a).Tombstones())
				assert.Equal(t, a.Merge(b).Merge(c).Items(), a.Merge(b.Merge(c)).Items(), "associativity")
				assert.Equal(t, a.Items(), a.Merge(a).Items(), "idempotence")
				assert.Equal(t, a.Merge(b).Items(), a.Merge(b).Merge(b).Items())
			})
		}
	}
}

// scriptedClock replays a fixed sequence of readings, holding the last one.
type scriptedClock struct {
	readings []time.Time
	next     int
}

func (c *scriptedClock) Now() time.Time {
	r := c.readings[c.next]
	if c.next < len(c.readings)-1 {
		c.next++
	}
	return r
}

func TestLWWElementSet_ClockStepBackKeepsCausalOrder(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n1Clock := &scriptedClock{readings: []time.Time{base.Add(10 * time.Second), base}}
	n2Clock := &scriptedClock{readings: []time.Time{base.Add(5 * time.Second)}}

	first := NewLWWElementSet[string]("n1", WithWallClock(n1Clock.Now))
	first.Add("k", "x1")
	second := first.Clone()
	second.Add("k", "x2")
	other := NewLWWElementSet[string]("n2", WithWallClock(n2Clock.Now))
	other.Add("k", "x3")

	x1, _ := first.Element("k")
	x2, _ := second.Element("k")
	assert.True(t, x2.Timestamp.WallClock.After(x1.Timestamp.WallClock), "a later local write never goes back in wall time")
	assert.Equal(t, base.Add(10*time.Second+time.Nanosecond), x2.Timestamp.WallClock)

	groupings := map[string]*LWWElementSet[string]{
		"(first+second)+other": first.Merge(second).Merge(other),
		"first+(second+other)": first.Merge(second.Merge(other)),
		"first+(other+second)": first.Merge(other.Merge(second)),
		"(other+first)+second": other.Merge(first).Merge(second),
		"second+(first+other)": second.Merge(first.Merge(other)),
	}
	for name, merged := range groupings {
		v, ok := merged.Get("k")
		require.True(t, ok, name)
		assert.Equal(t, "x2", v, name)
	}
}

func TestLWWElementSet_MergeLawsWithClockStep(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	stepping := func(offsets ...time.Duration) WallClock {
		readings := make([]time.Time, len(offsets))
		for i, off := range offsets {
			readings[i] = base.Add(off)
		}
		c := &scriptedClock{readings: readings}
		return c.Now
	}

	for _, policy := range []TieBreakPolicy{TieBreakWallClock, TieBreakLogical} {
		t.Run(policy.String(), func(t *testing.T) {
			n1 := NewLWWElementSet[string]("n1", WithWallClock(stepping(10*time.Second, 0, 20*time.Second, time.Second)), WithTieBreak(policy))
			n2 := NewLWWElementSet[string]("n2", WithWallClock(stepping(5*time.Second, 15*time.Second)), WithTieBreak(policy))
			n3 := NewLWWElementSet[string]("n3", WithWallClock(stepping(12*time.Second)), WithTieBreak(policy))

			n1.Add("k", "n1-a")
			snap1 := n1.Clone()
			n1.Add("k", "n1-b")
			n2.Add("k", "n2-a")
			snap2 := n1.Clone()
			n1 = n1.Merge(n2)
			n1.Remove("k")
			n2.Add("j", "n2-b")
			n3.Add("k", "n3-a")

			sets := []*LWWElementSet[string]{snap1, snap2, n1, n2, n3}
			for i, a := range sets {
				for j, b := range sets {
					assert.Equal(t, a.Merge(b).Items(), b.Merge(a).Items(), "commutativity %d,%d", i, j)
					for k, c := range sets {
						assert.Equal(t, a.Merge(b).Merge(c).Items(), a.Merge(b.Merge(c)).Items(), "associativity %d,%d,%d", i, j, k)
					}
				}
			}
		})
	}
}

func TestLWWElementSet_LatestWallClockSurvivesJSON(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &scriptedClock{readings: []time.Time{base.Add(time.Minute), base}}
	s := NewLWWElementSet[string]("n1", WithWallClock(clock.Now))
	s.Add("a", "1")

	data, err := json.Marshal(s)
	require.NoError(t, err)
	decoded := NewLWWElementSet[string]("", WithWallClock(clock.Now))
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.Equal(t, base.Add(time.Minute), decoded.LatestWallClock())

	decoded.Add("b", "2")
	e, _ := decoded.Element("b")
	assert.Equal(t, base.Add(time.Minute+time.Nanosecond), e.Timestamp.WallClock)
}

func TestLWWElementSet_JSON(t *testing.T) {
	clock := newFakeClock()
	s := NewLWWElementSet[string]("n1", WithWallClock(clock.Now))
	s.Add("live", "value")
	s.Add("gone", "value")
	s.Remove("gone")

	data, err := json.Marshal(s)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "n1", raw["node_id"])
	elements := raw["elements"].(map[string]any)
	gone := elements["gone"].(map[string]any)
	assert.Nil(t, gone["value"])
	assert.Equal(t, true, gone["deleted"])

	decoded := NewLWWElementSet[string]("", WithWallClock(clock.Now))
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.Equal(t, "n1", decoded.NodeID())
	assert.Equal(t, s.Items(), decoded.Items())
	assert.Equal(t, s.Clock(), decoded.Clock())
	assert.Equal(t, 1, decoded.Tombstones())

	decoded.Add("next", "v")
	assert.Equal(t, int64(4), decoded.Clock()["n1"])
}

func TestLWWElementSet_JSONRejectsMalformed(t *testing.T) {
	var s LWWElementSet[string]
	assert.Error(t, json.Unmarshal([]byte(`{"elements":{}}`), &s))
	assert.Error(t, json.Unmarshal([]byte(`{"node_id":"n1","elements":[]}`), &s))
}
