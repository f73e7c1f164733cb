package crdt

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/kalanet/kalasync/internal/util"
)

// Ledger holds one replica's copy of every Kala account it knows about.
// It is the state shipped by "kala" deltas.
type Ledger struct {
	nodeID   string
	accounts map[string]*KalaAccount
	opts     options
}

// NewLedger creates an empty ledger owned by nodeID
func NewLedger(nodeID string, opts ...Option) *Ledger {
	return &Ledger{nodeID: nodeID, accounts: make(map[string]*KalaAccount), opts: newOptions(opts)}
}

// NodeID returns the owning node
func (l *Ledger) NodeID() string {
	return l.nodeID
}

// Account returns the account, creating it on first touch
func (l *Ledger) Account(accountID string) *KalaAccount {
	acct, ok := l.accounts[accountID]
	if !ok {
		acct = NewKalaAccount(accountID, l.nodeID, l.opts.asOptions()...)
		l.accounts[accountID] = acct
	}
	return acct
}

// Lookup returns the account without creating it
func (l *Ledger) Lookup(accountID string) (*KalaAccount, bool) {
	acct, ok := l.accounts[accountID]
	return acct, ok
}

// AccountIDs returns known account ids in ascending order
func (l *Ledger) AccountIDs() []string {
	return sortedKeys(l.accounts)
}

// Len returns the number of known accounts
func (l *Ledger) Len() int {
	return len(l.accounts)
}

// MergeWith merges every account of other into a copy of l. Accounts only
// present in other are adopted under l's node id.
func (l *Ledger) MergeWith(other *Ledger) (*Ledger, error) {
	merged := &Ledger{nodeID: l.nodeID, accounts: make(map[string]*KalaAccount, len(l.accounts)), opts: l.opts}
	for id, acct := range l.accounts {
		merged.accounts[id] = acct.Clone()
	}
	for id, remote := range other.accounts {
		local, ok := merged.accounts[id]
		if !ok {
			merged.accounts[id] = remote.rebind(l.nodeID, l.opts)
			continue
		}
		acct, err := local.MergeWith(remote)
		if err != nil {
			return nil, err
		}
		merged.accounts[id] = acct
	}
	return merged, nil
}

// Clone returns an independent copy
func (l *Ledger) Clone() *Ledger {
	accounts := make(map[string]*KalaAccount, len(l.accounts))
	for id, acct := range l.accounts {
		accounts[id] = acct.Clone()
	}
	return &Ledger{nodeID: l.nodeID, accounts: accounts, opts: l.opts}
}

// Digest returns a checksum of the serialized state
func (l *Ledger) Digest() (uint32, error) {
	return util.Digest(l)
}

type ledgerJSON struct {
	NodeID   string                  `json:"node_id"`
	Accounts map[string]*KalaAccount `json:"accounts"`
}

// MarshalJSON encodes {node_id, accounts}
func (l *Ledger) MarshalJSON() ([]byte, error) {
	return json.Marshal(ledgerJSON{NodeID: l.nodeID, Accounts: l.accounts})
}

// UnmarshalJSON decodes {node_id, accounts}
func (l *Ledger) UnmarshalJSON(data []byte) error {
	var raw ledgerJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		if apperrors.IsSyncError(err) {
			return err
		}
		return apperrors.Deserialization("ledger", err)
	}
	if raw.NodeID == "" {
		return apperrors.Deserialization("ledger", errMissingField("node_id"))
	}
	if l.opts.now == nil {
		l.opts = newOptions(nil)
	}
	accounts := make(map[string]*KalaAccount, len(raw.Accounts))
	for id, acct := range raw.Accounts {
		if acct == nil {
			continue
		}
		if acct.accountID != id {
			return apperrors.Deserialization("ledger", fmt.Errorf("account key %q holds account %q", id, acct.accountID))
		}
		acct.opts = l.opts
		accounts[id] = acct
	}
	l.nodeID = raw.NodeID
	l.accounts = accounts
	return nil
}
