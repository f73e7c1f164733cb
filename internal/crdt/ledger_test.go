package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_AccountOnFirstTouch(t *testing.T) {
	l := NewLedger("n1")
	_, ok := l.Lookup("u1")
	assert.False(t, ok)

	acct := l.Account("u1")
	_, err := acct.Credit(3, "welcome")
	require.NoError(t, err)

	again, ok := l.Lookup("u1")
	require.True(t, ok)
	assert.Equal(t, 3.0, again.Balance())
	assert.Equal(t, []string{"u1"}, l.AccountIDs())
	assert.Equal(t, "n1", again.NodeID())
}

func TestLedger_MergeAdoptsUnderLocalNode(t *testing.T) {
	clock := newFakeClock()
	local := NewLedger("n1", WithWallClock(clock.Now))
	remote := NewLedger("n2", WithWallClock(clock.Now))

	_, err := local.Account("shared").Credit(5, "a")
	require.NoError(t, err)
	_, err = remote.Account("shared").Credit(2, "b")
	require.NoError(t, err)
	_, err = remote.Account("remote-only").Credit(9, "c")
	require.NoError(t, err)

	merged, err := local.MergeWith(remote)
	require.NoError(t, err)
	assert.Equal(t, []string{"remote-only", "shared"}, merged.AccountIDs())

	shared, _ := merged.Lookup("shared")
	assert.Equal(t, 7.0, shared.Balance())

	adopted, _ := merged.Lookup("remote-only")
	assert.Equal(t, "n1", adopted.NodeID())
	_, err = adopted.Debit(1, "local spend")
	require.NoError(t, err)
	assert.Equal(t, 8.0, adopted.Balance())
	assert.Equal(t, 1.0, adopted.Counter().Negative().Get("n1"))
	assert.Equal(t, 9.0, adopted.Counter().Positive().Get("n2"))

	_, ok := local.Lookup("remote-only")
	assert.False(t, ok, "merge leaves operands untouched")

	reverse, err := remote.MergeWith(local)
	require.NoError(t, err)
	r, _ := reverse.Lookup("shared")
	assert.Equal(t, shared.TransactionHistory(), r.TransactionHistory())
}

func TestLedger_JSON(t *testing.T) {
	l := NewLedger("n1")
	_, err := l.Account("u1").Credit(10, "time")
	require.NoError(t, err)
	_, err = l.Account("u2").Debit(1, "fee")
	require.NoError(t, err)

	data, err := json.Marshal(l)
	require.NoError(t, err)

	decoded := NewLedger("")
	require.NoError(t, json.Unmarshal(data, decoded))
	assert.Equal(t, "n1", decoded.NodeID())
	assert.Equal(t, []string{"u1", "u2"}, decoded.AccountIDs())
	u2, _ := decoded.Lookup("u2")
	assert.Equal(t, -1.0, u2.Balance())

	d1, err := l.Digest()
	require.NoError(t, err)
	d2, err := decoded.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	err = json.Unmarshal([]byte(`{"node_id":"n1","accounts":{"u1":{"account_id":"u9","counter":{"node_id":"n1"}}}}`), decoded)
	assert.Error(t, err)
}
