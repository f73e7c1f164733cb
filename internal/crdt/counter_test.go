package crdt

import (
	"encoding/json"
	"math"
	"testing"

	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGCounter_Increment(t *testing.T) {
	g := NewGCounter("n1")
	require.NoError(t, g.Increment(2))
	require.NoError(t, g.Increment(0))
	require.NoError(t, g.Increment(1.5))
	assert.Equal(t, 3.5, g.Value())

	for _, bad := range []float64{-1, math.NaN(), math.Inf(1)} {
		err := g.Increment(bad)
		require.Error(t, err)
		assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))
	}
	assert.Equal(t, 3.5, g.Value(), "rejected increments leave state unchanged")
}

func TestGCounter_Merge(t *testing.T) {
	a := NewGCounter("n1")
	b := NewGCounter("n2")
	require.NoError(t, a.Increment(5))
	require.NoError(t, b.Increment(3))

	ab := a.Merge(b)
	assert.Equal(t, 8.0, ab.Value())
	assert.Equal(t, ab.Value(), b.Merge(a).Value())
	assert.Equal(t, 8.0, ab.Merge(b).Merge(a).Value(), "re-merging never double counts")
	assert.Equal(t, a.Value(), a.Merge(a).Value())
	assert.Equal(t, 5.0, a.Value())

	require.NoError(t, ab.Increment(1))
	assert.Equal(t, 6.0, ab.Get("n1"))
	assert.Equal(t, 3.0, ab.Get("n2"))
}

func TestGCounter_Monotonic(t *testing.T) {
	a := NewGCounter("n1")
	b := NewGCounter("n2")
	last := 0.0
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Increment(float64(i)))
		require.NoError(t, b.Increment(1))
		if i%3 == 0 {
			a = a.Merge(b)
		}
		assert.GreaterOrEqual(t, a.Value(), last)
		last = a.Value()
	}
}

func TestPNCounter(t *testing.T) {
	c := NewPNCounter("n1")
	require.NoError(t, c.Increment(4))
	require.NoError(t, c.Decrement(10))
	assert.Equal(t, -6.0, c.Value())

	err := c.Decrement(-1)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))
	assert.Equal(t, -6.0, c.Value())

	other := NewPNCounter("n2")
	require.NoError(t, other.Increment(7))
	merged := c.Merge(other)
	assert.Equal(t, 1.0, merged.Value())
	assert.Equal(t, merged.Value(), other.Merge(c).Value())
	assert.Equal(t, merged.Value(), merged.Merge(c).Merge(other).Value())
	assert.Equal(t, 4.0, merged.Positive().Get("n1"))
	assert.Equal(t, 10.0, merged.Negative().Get("n1"))
}

func TestCounters_JSON(t *testing.T) {
	c := NewPNCounter("n1")
	require.NoError(t, c.Increment(2))
	require.NoError(t, c.Decrement(0.5))

	data, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"node_id": "n1",
		"positive": {"node_id": "n1", "increments": {"n1": 2}},
		"negative": {"node_id": "n1", "increments": {"n1": 0.5}}
	}`, string(data))

	var decoded PNCounter
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 1.5, decoded.Value())
	assert.Equal(t, "n1", decoded.NodeID())

	var g GCounter
	err = json.Unmarshal([]byte(`{"node_id":"n1","increments":{"n1":-3}}`), &g)
	assert.Equal(t, apperrors.ErrCodeDeserialization, apperrors.GetCode(err))
}
