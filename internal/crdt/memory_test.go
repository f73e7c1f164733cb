package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_StoreGetDelete(t *testing.T) {
	m := NewMemory("n1")
	m.StoreMemory("m1", Record{"text": "met the garden team", "tags": []any{"garden"}})
	m.StoreMemory("m2", Record{"text": "offered a ride"})

	rec, ok := m.GetMemory("m1")
	require.True(t, ok)
	assert.Equal(t, "met the garden team", rec["text"])

	rec["text"] = "mutated by caller"
	again, _ := m.GetMemory("m1")
	assert.Equal(t, "met the garden team", again["text"], "callers get copies")

	m.DeleteMemory("m1")
	_, ok = m.GetMemory("m1")
	assert.False(t, ok)
	assert.Equal(t, []string{"m2"}, m.IDs())
	assert.Len(t, m.AllMemories(), 1)
	assert.Equal(t, 1, m.Len())
}

func TestMemory_MergeWith(t *testing.T) {
	clock := newFakeClock()
	a := NewMemory("n1", WithWallClock(clock.Now))
	b := NewMemory("n2", WithWallClock(clock.Now))

	a.StoreMemory("shared", Record{"v": "a"})
	b.StoreMemory("shared", Record{"v": "b"})
	b.StoreMemory("only-b", Record{"v": "b"})
	a.DeleteMemory("only-a")

	ab := a.MergeWith(b)
	ba := b.MergeWith(a)
	assert.Equal(t, ab.AllMemories(), ba.AllMemories())
	assert.Equal(t, []string{"only-b", "shared"}, ab.IDs())

	rec, _ := ab.GetMemory("shared")
	assert.Equal(t, "b", rec["v"])
	assert.Equal(t, "n1", ab.NodeID())
	assert.Equal(t, 1, a.Len(), "merge leaves operands untouched")
}

func TestMemory_JSONAndDigest(t *testing.T) {
	m := NewMemory("n1")
	m.StoreMemory("m1", Record{"text": "hello", "score": 3.5})
	m.DeleteMemory("m2")

	data, err := json.Marshal(m)
	require.NoError(t, err)

	decoded := &Memory{}
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.Equal(t, m.AllMemories(), decoded.AllMemories())
	assert.Equal(t, "n1", decoded.NodeID())

	d1, err := m.Digest()
	require.NoError(t, err)
	d2, err := decoded.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	decoded.StoreMemory("m3", Record{"text": "new"})
	d3, err := decoded.Digest()
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestMemory_CloneIsIndependent(t *testing.T) {
	m := NewMemory("n1")
	m.StoreMemory("m1", Record{"v": 1})
	c := m.Clone()
	c.DeleteMemory("m1")

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 0, c.Len())
}
