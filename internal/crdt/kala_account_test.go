package crdt

import (
	"encoding/json"
	"testing"

	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKalaAccount_CreditDebit(t *testing.T) {
	account := NewKalaAccount("u1", "n1")

	credit, err := account.Credit(10.0, "time")
	require.NoError(t, err)
	_, err = account.Debit(3.0, "transport")
	require.NoError(t, err)

	assert.Equal(t, 7.0, account.Balance())
	history := account.TransactionHistory()
	require.Len(t, history, 2)
	assert.Equal(t, credit.ID, history[0].ID)
	assert.Equal(t, TransactionCredit, history[0].Type)
	assert.Equal(t, TransactionDebit, history[1].Type)
	assert.Equal(t, "n1", history[1].NodeID)
	assert.NotEmpty(t, history[1].ID)
}

func TestKalaAccount_RejectsNonPositiveAmounts(t *testing.T) {
	account := NewKalaAccount("u1", "n1")
	_, err := account.Credit(5, "seed")
	require.NoError(t, err)

	tests := []struct {
		name string
		fn   func() (Transaction, error)
	}{
		{"zero credit", func() (Transaction, error) { return account.Credit(0, "x") }},
		{"negative credit", func() (Transaction, error) { return account.Credit(-2, "x") }},
		{"zero debit", func() (Transaction, error) { return account.Debit(0, "x") }},
		{"negative debit", func() (Transaction, error) { return account.Debit(-1, "x") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.fn()
			require.Error(t, err)
			assert.Equal(t, apperrors.ErrCodeInvalidArgument, apperrors.GetCode(err))
			assert.Equal(t, 5.0, account.Balance())
			assert.Len(t, account.TransactionHistory(), 1)
		})
	}
}

func TestKalaAccount_MergeDeduplicates(t *testing.T) {
	clock := newFakeClock()
	a := NewKalaAccount("u1", "n1", WithWallClock(clock.Now))
	b := NewKalaAccount("u1", "n2", WithWallClock(clock.Now))

	_, err := a.Credit(10, "garden")
	require.NoError(t, err)
	_, err = b.Credit(4, "tutoring")
	require.NoError(t, err)
	_, err = a.Debit(2, "bus")
	require.NoError(t, err)

	ab, err := a.MergeWith(b)
	require.NoError(t, err)
	assert.Equal(t, 12.0, ab.Balance())
	require.Len(t, ab.TransactionHistory(), 3)

	again, err := ab.MergeWith(b)
	require.NoError(t, err)
	again, err = again.MergeWith(a)
	require.NoError(t, err)
	assert.Len(t, again.TransactionHistory(), 3)
	assert.Equal(t, 12.0, again.Balance())

	self, err := a.MergeWith(a)
	require.NoError(t, err)
	assert.Equal(t, a.TransactionHistory(), self.TransactionHistory())

	ba, err := b.MergeWith(a)
	require.NoError(t, err)
	assert.Equal(t, ab.TransactionHistory(), ba.TransactionHistory())
	assert.Equal(t, "n2", ba.NodeID())

	history := ab.TransactionHistory()
	assert.Equal(t, "garden", history[0].Reason)
	assert.Equal(t, "tutoring", history[1].Reason)
	assert.Equal(t, "bus", history[2].Reason)
}

func TestKalaAccount_MergeAccountMismatch(t *testing.T) {
	a := NewKalaAccount("u1", "n1")
	b := NewKalaAccount("u2", "n1")

	merged, err := a.MergeWith(b)
	assert.Nil(t, merged)
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeAccountMismatch, apperrors.GetCode(err))
}

func TestKalaAccount_JSON(t *testing.T) {
	account := NewKalaAccount("u1", "n1")
	_, err := account.Credit(10, "time")
	require.NoError(t, err)
	_, err = account.Debit(3, "transport")
	require.NoError(t, err)

	data, err := json.Marshal(account)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "u1", raw["account_id"])
	txns := raw["transactions"].([]any)
	require.Len(t, txns, 2)
	first := txns[0].(map[string]any)
	assert.Equal(t, "credit", first["transaction_type"])
	assert.Contains(t, first, "transaction_id")

	var decoded KalaAccount
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 7.0, decoded.Balance())
	assert.Equal(t, "n1", decoded.NodeID())
	assert.Equal(t, account.TransactionHistory(), decoded.TransactionHistory())

	_, err = decoded.Credit(1, "after restore")
	require.NoError(t, err)
	assert.Equal(t, 8.0, decoded.Balance())

	err = json.Unmarshal([]byte(`{"counter":{"node_id":"n1"}}`), &decoded)
	assert.Equal(t, apperrors.ErrCodeDeserialization, apperrors.GetCode(err))
}
