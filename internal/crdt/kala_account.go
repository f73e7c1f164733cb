package crdt

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/kalanet/kalasync/internal/errors"
)

// TransactionType distinguishes credits from debits
type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// Transaction is an immutable ledger entry.
type Transaction struct {
	ID        string          `json:"transaction_id"`
	Timestamp time.Time       `json:"timestamp"`
	Amount    float64         `json:"amount"`
	Type      TransactionType `json:"transaction_type"`
	Reason    string          `json:"reason"`
	NodeID    string          `json:"node_id"`
}

// KalaAccount is a replicated ledger account: a PNCounter balance plus an
// append-only transaction log merged by transaction id.
type KalaAccount struct {
	accountID    string
	counter      *PNCounter
	transactions []Transaction
	opts         options
}

// NewKalaAccount creates an empty account replica owned by nodeID
func NewKalaAccount(accountID, nodeID string, opts ...Option) *KalaAccount {
	return &KalaAccount{
		accountID: accountID,
		counter:   NewPNCounter(nodeID),
		opts:      newOptions(opts),
	}
}

// AccountID returns the account this replica belongs to
func (a *KalaAccount) AccountID() string {
	return a.accountID
}

// NodeID returns the owning node
func (a *KalaAccount) NodeID() string {
	return a.counter.NodeID()
}

// Credit adds amount to the balance and records a credit transaction.
func (a *KalaAccount) Credit(amount float64, reason string) (Transaction, error) {
	return a.apply(TransactionCredit, amount, reason)
}

// Debit subtracts amount from the balance and records a debit transaction.
// The balance may go negative.
func (a *KalaAccount) Debit(amount float64, reason string) (Transaction, error) {
	return a.apply(TransactionDebit, amount, reason)
}

func (a *KalaAccount) apply(kind TransactionType, amount float64, reason string) (Transaction, error) {
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Transaction{}, apperrors.InvalidAmount(string(kind), amount).
			WithDetail("account_id", a.accountID)
	}

	var err error
	if kind == TransactionCredit {
		err = a.counter.Increment(amount)
	} else {
		err = a.counter.Decrement(amount)
	}
	if err != nil {
		return Transaction{}, err
	}

	txn := Transaction{
		ID:        uuid.New().String(),
		Timestamp: a.opts.now().UTC().Round(0),
		Amount:    amount,
		Type:      kind,
		Reason:    reason,
		NodeID:    a.NodeID(),
	}
	a.transactions = append(a.transactions, txn)
	sortTransactions(a.transactions)
	return txn, nil
}

// Balance returns the current balance
func (a *KalaAccount) Balance() float64 {
	return a.counter.Value()
}

// Counter returns a copy of the balance counter
func (a *KalaAccount) Counter() *PNCounter {
	return a.counter.Clone()
}

// TransactionHistory returns all transactions, oldest first. Equal
// timestamps are ordered by transaction id.
func (a *KalaAccount) TransactionHistory() []Transaction {
	out := make([]Transaction, len(a.transactions))
	copy(out, a.transactions)
	return out
}

// MergeWith returns the merge of two replicas of the same account. The
// result is owned by a's node.
func (a *KalaAccount) MergeWith(other *KalaAccount) (*KalaAccount, error) {
	if a.accountID != other.accountID {
		return nil, apperrors.AccountMismatch(a.accountID, other.accountID)
	}
	return &KalaAccount{
		accountID:    a.accountID,
		counter:      a.counter.Merge(other.counter),
		transactions: mergeTransactions(a.transactions, other.transactions),
		opts:         a.opts,
	}, nil
}

// Clone returns an independent copy
func (a *KalaAccount) Clone() *KalaAccount {
	return &KalaAccount{
		accountID:    a.accountID,
		counter:      a.counter.Clone(),
		transactions: a.TransactionHistory(),
		opts:         a.opts,
	}
}

// rebind returns a copy owned by nodeID, used when a replica adopts an
// account it first learned about through a merge.
func (a *KalaAccount) rebind(nodeID string, opts options) *KalaAccount {
	return &KalaAccount{
		accountID:    a.accountID,
		counter:      a.counter.rebind(nodeID),
		transactions: a.TransactionHistory(),
		opts:         opts,
	}
}

func mergeTransactions(a, b []Transaction) []Transaction {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]Transaction, 0, len(a)+len(b))
	for _, list := range [][]Transaction{a, b} {
		for _, txn := range list {
			if _, dup := seen[txn.ID]; dup {
				continue
			}
			seen[txn.ID] = struct{}{}
			out = append(out, txn)
		}
	}
	sortTransactions(out)
	return out
}

func sortTransactions(txns []Transaction) {
	sort.SliceStable(txns, func(i, j int) bool {
		if c := txns[i].Timestamp.Compare(txns[j].Timestamp); c != 0 {
			return c < 0
		}
		return txns[i].ID < txns[j].ID
	})
}

type kalaAccountJSON struct {
	AccountID    string        `json:"account_id"`
	Counter      *PNCounter    `json:"counter"`
	Transactions []Transaction `json:"transactions"`
}

// MarshalJSON encodes {account_id, counter, transactions}
func (a *KalaAccount) MarshalJSON() ([]byte, error) {
	txns := a.transactions
	if txns == nil {
		txns = []Transaction{}
	}
	return json.Marshal(kalaAccountJSON{AccountID: a.accountID, Counter: a.counter, Transactions: txns})
}

// UnmarshalJSON decodes {account_id, counter, transactions}. The owning node
// is taken from the counter.
func (a *KalaAccount) UnmarshalJSON(data []byte) error {
	var raw kalaAccountJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		if apperrors.IsSyncError(err) {
			return err
		}
		return apperrors.Deserialization("kala account", err)
	}
	if raw.AccountID == "" {
		return apperrors.Deserialization("kala account", errMissingField("account_id"))
	}
	if raw.Counter == nil {
		return apperrors.Deserialization("kala account", errMissingField("counter"))
	}
	if a.opts.now == nil {
		a.opts = newOptions(nil)
	}
	a.accountID = raw.AccountID
	a.counter = raw.Counter
	a.transactions = mergeTransactions(raw.Transactions, nil)
	return nil
}
