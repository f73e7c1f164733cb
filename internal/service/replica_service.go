package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/kalanet/kalasync/internal/crdt"
	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/kalanet/kalasync/internal/metrics"
	"github.com/kalanet/kalasync/internal/replication"
	"github.com/kalanet/kalasync/internal/validation"
	"go.uber.org/zap"
)

// ReplicaConfig holds the settings of a replica's CRDT state
type ReplicaConfig struct {
	NodeID            string
	FullSyncThreshold int64
	TieBreak          crdt.TieBreakPolicy
	// WallClock overrides time.Now; tests only
	WallClock crdt.WallClock
}

// ReplicaService owns the memory set, the ledger and the sync protocol of
// one node. Every method takes the same mutex, so the CRDT values inside
// are only ever touched by one goroutine at a time.
type ReplicaService struct {
	mu        sync.Mutex
	nodeID    string
	threshold int64
	opts      []crdt.Option
	memory    *crdt.Memory
	ledger    *crdt.Ledger
	manager   *replication.Manager[*crdt.Memory, *crdt.Ledger]
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewReplicaService creates a replica with empty state
func NewReplicaService(cfg *ReplicaConfig, m *metrics.Metrics, logger *zap.Logger) *ReplicaService {
	opts := []crdt.Option{crdt.WithTieBreak(cfg.TieBreak)}
	if cfg.WallClock != nil {
		opts = append(opts, crdt.WithWallClock(cfg.WallClock))
	}

	s := &ReplicaService{
		nodeID:    cfg.NodeID,
		threshold: cfg.FullSyncThreshold,
		opts:      opts,
		memory:    crdt.NewMemory(cfg.NodeID, opts...),
		ledger:    crdt.NewLedger(cfg.NodeID, opts...),
		validator: validation.NewValidator(),
		metrics:   m,
		logger:    logger,
	}
	s.manager = replication.NewManager[*crdt.Memory, *crdt.Ledger](s.newProtocol(), logger)
	return s
}

func (s *ReplicaService) newProtocol() *replication.Protocol {
	var opts []replication.ProtocolOption
	if s.threshold > 0 {
		opts = append(opts, replication.WithFullSyncThreshold(s.threshold))
	}
	return replication.NewProtocol(s.nodeID, opts...)
}

// NodeID returns the local node id
func (s *ReplicaService) NodeID() string {
	return s.nodeID
}

// mutated bumps the version of dt after a successful local write
func (s *ReplicaService) mutated(dt replication.DeltaType) {
	s.manager.Protocol().IncrementVersion(dt)
	s.metrics.RecordLocalMutation(string(dt))
	s.updateGauges()
}

func (s *ReplicaService) updateGauges() {
	p := s.manager.Protocol()
	s.metrics.UpdateState(s.memory.Len(), s.ledger.Len(), len(s.manager.Peers()))
	for _, dt := range replication.DeltaTypes {
		acked := make(map[string]int64)
		for _, peer := range s.manager.Peers() {
			acked[peer] = p.AckedVersion(peer, dt)
		}
		s.metrics.UpdateVersions(string(dt), p.LocalVersion(dt), acked)
	}
}

// StoreMemory inserts or replaces a memory
func (s *ReplicaService) StoreMemory(id string, rec crdt.Record) error {
	if err := s.validator.ValidateMemoryID(id); err != nil {
		return err
	}
	if err := s.validator.ValidateRecord(rec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.memory.StoreMemory(id, rec)
	s.mutated(replication.DeltaTypeMemory)
	return nil
}

// GetMemory returns a copy of a live memory
func (s *ReplicaService) GetMemory(id string) (crdt.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.memory.GetMemory(id)
	if !ok {
		return nil, apperrors.NotFound("memory", id)
	}
	return rec, nil
}

// DeleteMemory tombstones a memory. Deleting an unknown id still records a
// tombstone so a concurrent older insert elsewhere loses.
func (s *ReplicaService) DeleteMemory(id string) error {
	if err := s.validator.ValidateMemoryID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.memory.DeleteMemory(id)
	s.mutated(replication.DeltaTypeMemory)
	return nil
}

// Memories returns every live memory keyed by id
func (s *ReplicaService) Memories() map[string]crdt.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]crdt.Record, s.memory.Len())
	for _, id := range s.memory.IDs() {
		if rec, ok := s.memory.GetMemory(id); ok {
			out[id] = rec
		}
	}
	return out
}

// AllMemories returns the live memory records without their ids
func (s *ReplicaService) AllMemories() []crdt.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memory.AllMemories()
}

// Credit adds amount to an account, creating the account on first use
func (s *ReplicaService) Credit(accountID string, amount float64, reason string) (crdt.Transaction, error) {
	return s.applyLedger(crdt.TransactionCredit, accountID, amount, reason)
}

// Debit subtracts amount from an account. Balances may go negative.
func (s *ReplicaService) Debit(accountID string, amount float64, reason string) (crdt.Transaction, error) {
	return s.applyLedger(crdt.TransactionDebit, accountID, amount, reason)
}

func (s *ReplicaService) applyLedger(kind crdt.TransactionType, accountID string, amount float64, reason string) (crdt.Transaction, error) {
	txn, err := s.doApplyLedger(kind, accountID, amount, reason)
	s.metrics.RecordLedgerOperation(string(kind), err)
	return txn, err
}

func (s *ReplicaService) doApplyLedger(kind crdt.TransactionType, accountID string, amount float64, reason string) (crdt.Transaction, error) {
	if err := s.validator.ValidateAccountID(accountID); err != nil {
		return crdt.Transaction{}, err
	}
	if err := s.validator.ValidateReason(reason); err != nil {
		return crdt.Transaction{}, err
	}
	// Checked before touching the ledger so a rejected amount never
	// creates an empty account.
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return crdt.Transaction{}, apperrors.InvalidAmount(string(kind), amount).WithDetail("account_id", accountID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.ledger.Account(accountID)
	var (
		txn crdt.Transaction
		err error
	)
	if kind == crdt.TransactionCredit {
		txn, err = acct.Credit(amount, reason)
	} else {
		txn, err = acct.Debit(amount, reason)
	}
	if err != nil {
		return crdt.Transaction{}, err
	}
	s.mutated(replication.DeltaTypeKala)
	return txn, nil
}

// Balance returns the balance of an account
func (s *ReplicaService) Balance(accountID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.ledger.Lookup(accountID)
	if !ok {
		return 0, apperrors.NotFound("account", accountID)
	}
	return acct.Balance(), nil
}

// TransactionHistory returns the ordered transactions of an account
func (s *ReplicaService) TransactionHistory(accountID string) ([]crdt.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.ledger.Lookup(accountID)
	if !ok {
		return nil, apperrors.NotFound("account", accountID)
	}
	return acct.TransactionHistory(), nil
}

// Accounts returns the known account ids in ascending order
func (s *ReplicaService) Accounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.AccountIDs()
}

// AddPeer registers a sync peer
func (s *ReplicaService) AddPeer(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := s.manager.AddPeer(peer)
	if added {
		s.updateGauges()
	}
	return added
}

// RemovePeer unregisters a sync peer
func (s *ReplicaService) RemovePeer(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.manager.RemovePeer(peer)
	if removed {
		s.updateGauges()
	}
	return removed
}

// HasPeer reports whether peer is registered
func (s *ReplicaService) HasPeer(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.HasPeer(peer)
}

// Peers returns the registered peers
func (s *ReplicaService) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Peers()
}

// PrepareSync collects the deltas peer has not acknowledged yet. The caller
// transmits them without holding the replica lock and reports acks back
// through Acknowledge.
func (s *ReplicaService) PrepareSync(ctx context.Context, peer string) ([]*replication.Delta, map[replication.DeltaType]replication.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var outbox []*replication.Delta
	collect := func(_ context.Context, d *replication.Delta) error {
		outbox = append(outbox, d)
		return nil
	}
	statuses, err := s.manager.SyncWithPeer(ctx, peer, s.memory, s.ledger, collect)
	if err != nil {
		return nil, statuses, err
	}
	return outbox, statuses, nil
}

// SnapshotDeltas packages the full state of every data type for requester
func (s *ReplicaService) SnapshotDeltas(requester string) ([]*replication.Delta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := map[replication.DeltaType]json.Marshaler{
		replication.DeltaTypeMemory: s.memory,
		replication.DeltaTypeKala:   s.ledger,
	}
	deltas := make([]*replication.Delta, 0, len(states))
	for _, dt := range replication.DeltaTypes {
		d, err := s.manager.Protocol().SnapshotDelta(requester, dt, states[dt])
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

// ReceiveDelta merges an inbound delta and returns the acknowledgement to
// send back. A merge that changes local state counts as a new local
// version, which carries the change on to peers that did not send it.
func (s *ReplicaService) ReceiveDelta(d *replication.Delta) (replication.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	memBefore, ledgerBefore, err := s.digests()
	if err != nil {
		return replication.Ack{}, err
	}

	memory, ledger, err := s.manager.ReceiveDelta(d, s.memory, s.ledger, mergeMemory, mergeLedger)
	if err != nil {
		return replication.Ack{}, err
	}
	s.memory, s.ledger = memory, ledger

	memAfter, ledgerAfter, err := s.digests()
	if err != nil {
		return replication.Ack{}, err
	}

	changed := false
	switch d.DeltaType {
	case replication.DeltaTypeMemory:
		changed = memAfter != memBefore
	case replication.DeltaTypeKala:
		changed = ledgerAfter != ledgerBefore
	}
	s.metrics.RecordMerge(string(d.DeltaType), changed)
	if changed {
		s.manager.Protocol().IncrementVersion(d.DeltaType)
		s.updateGauges()
	}

	return replication.NewAck(d), nil
}

func (s *ReplicaService) digests() (uint32, uint32, error) {
	mem, err := s.memory.Digest()
	if err != nil {
		return 0, 0, apperrors.InternalError("digest memory state", err)
	}
	led, err := s.ledger.Digest()
	if err != nil {
		return 0, 0, apperrors.InternalError("digest ledger state", err)
	}
	return mem, led, nil
}

// Acknowledge records a peer's acknowledgement
func (s *ReplicaService) Acknowledge(ack replication.Ack) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.manager.Acknowledge(ack); err != nil {
		return err
	}
	s.metrics.RecordAck(string(ack.DeltaType))
	s.updateGauges()
	return nil
}

// FullSyncRequired reports whether peer needs a full resync
func (s *ReplicaService) FullSyncRequired(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manager.Protocol().FullSyncRequired(peer)
}

// PeerStatus is the sync position of one peer
type PeerStatus struct {
	NodeID           string                                          `json:"node_id"`
	Registered       bool                                            `json:"registered"`
	FullSyncRequired bool                                            `json:"full_sync_required"`
	Acked            map[replication.DeltaType]int64                 `json:"acked_versions"`
	Received         map[replication.DeltaType]int64                 `json:"received_versions"`
	States           map[replication.DeltaType]replication.SyncState `json:"states"`
}

// SyncStatus is a point in time view of the replica's sync bookkeeping
type SyncStatus struct {
	NodeID            string                          `json:"node_id"`
	LocalVersions     map[replication.DeltaType]int64 `json:"local_versions"`
	FullSyncThreshold int64                           `json:"full_sync_threshold"`
	Peers             []PeerStatus                    `json:"peers"`
}

// SyncStatus reports versions and state for every registered or previously
// seen peer.
func (s *ReplicaService) SyncStatus() SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.manager.Protocol()
	status := SyncStatus{
		NodeID:            s.nodeID,
		LocalVersions:     make(map[replication.DeltaType]int64, len(replication.DeltaTypes)),
		FullSyncThreshold: p.FullSyncThreshold(),
	}
	for _, dt := range replication.DeltaTypes {
		status.LocalVersions[dt] = p.LocalVersion(dt)
	}

	seen := make(map[string]bool)
	peers := append(s.manager.Peers(), p.Peers()...)
	for _, peer := range peers {
		if seen[peer] {
			continue
		}
		seen[peer] = true
		ps := PeerStatus{
			NodeID:           peer,
			Registered:       s.manager.HasPeer(peer),
			FullSyncRequired: p.FullSyncRequired(peer),
			Acked:            make(map[replication.DeltaType]int64),
			Received:         make(map[replication.DeltaType]int64),
			States:           make(map[replication.DeltaType]replication.SyncState),
		}
		for _, dt := range replication.DeltaTypes {
			ps.Acked[dt] = p.AckedVersion(peer, dt)
			ps.Received[dt] = p.ReceivedVersion(peer, dt)
			ps.States[dt] = p.State(peer, dt)
		}
		status.Peers = append(status.Peers, ps)
	}
	return status
}

type replicaSnapshot struct {
	Memory   *crdt.Memory          `json:"memory"`
	Ledger   *crdt.Ledger          `json:"ledger"`
	Protocol *replication.Protocol `json:"protocol"`
}

// Snapshot serializes the full replica state
func (s *ReplicaService) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(replicaSnapshot{Memory: s.memory, Ledger: s.ledger, Protocol: s.manager.Protocol()})
	if err != nil {
		return nil, apperrors.InternalError("serialize replica snapshot", err)
	}
	return data, nil
}

// Restore replaces the replica state with a snapshot taken by Snapshot.
// Registered peers are kept.
func (s *ReplicaService) Restore(data []byte) error {
	snap := replicaSnapshot{
		Memory:   crdt.NewMemory(s.nodeID, s.opts...),
		Ledger:   crdt.NewLedger(s.nodeID, s.opts...),
		Protocol: s.newProtocol(),
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		if apperrors.IsSyncError(err) {
			return err
		}
		return apperrors.Deserialization("replica snapshot", err)
	}
	for what, owner := range map[string]string{
		"memory":   snap.Memory.NodeID(),
		"ledger":   snap.Ledger.NodeID(),
		"protocol": snap.Protocol.NodeID(),
	} {
		if owner != s.nodeID {
			return apperrors.InvalidArgument(fmt.Sprintf("%s snapshot belongs to node %s", what, owner), nil).
				WithDetail("node_id", s.nodeID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	peers := s.manager.Peers()
	s.memory = snap.Memory
	s.ledger = snap.Ledger
	s.manager = replication.NewManager[*crdt.Memory, *crdt.Ledger](snap.Protocol, s.logger)
	for _, peer := range peers {
		s.manager.AddPeer(peer)
	}
	s.updateGauges()

	s.logger.Info("Replica state restored",
		zap.Int("memories", s.memory.Len()),
		zap.Int("accounts", s.ledger.Len()),
		zap.Int64("memory_version", snap.Protocol.LocalVersion(replication.DeltaTypeMemory)),
		zap.Int64("kala_version", snap.Protocol.LocalVersion(replication.DeltaTypeKala)))
	return nil
}

func mergeMemory(current *crdt.Memory, data json.RawMessage) (*crdt.Memory, error) {
	remote := &crdt.Memory{}
	if err := json.Unmarshal(data, remote); err != nil {
		return current, asDeserialization("memory delta", err)
	}
	return current.MergeWith(remote), nil
}

func mergeLedger(current *crdt.Ledger, data json.RawMessage) (*crdt.Ledger, error) {
	remote := &crdt.Ledger{}
	if err := json.Unmarshal(data, remote); err != nil {
		return current, asDeserialization("kala delta", err)
	}
	return current.MergeWith(remote)
}

func asDeserialization(what string, err error) error {
	var se *apperrors.SyncError
	if errors.As(err, &se) {
		return se
	}
	return apperrors.Deserialization(what, err)
}
