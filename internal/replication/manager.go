package replication

import (
	"context"
	"encoding/json"
	"sort"

	apperrors "github.com/kalanet/kalasync/internal/errors"
	"go.uber.org/zap"
)

// SendFunc hands a delta to the transport. It is invoked synchronously from
// SyncWithPeer; implementations that talk to the network should enqueue and
// return so callers can release their state lock first.
type SendFunc func(ctx context.Context, d *Delta) error

// Status is the per data type outcome of SyncWithPeer
type Status string

const (
	StatusInFlight Status = "in_flight"
	StatusSynced   Status = "synced"
)

// Manager drives synchronization of the memory (M) and ledger (K) states
// with a set of known peers. Like Protocol it has no internal locking.
type Manager[M, K any] struct {
	protocol *Protocol
	peers    map[string]struct{}
	logger   *zap.Logger
}

// NewManager creates a manager around protocol
func NewManager[M, K any](protocol *Protocol, logger *zap.Logger) *Manager[M, K] {
	return &Manager[M, K]{
		protocol: protocol,
		peers:    make(map[string]struct{}),
		logger:   logger,
	}
}

// Protocol returns the underlying version bookkeeping
func (m *Manager[M, K]) Protocol() *Protocol {
	return m.protocol
}

// AddPeer registers peer. It returns false for the local node or a known peer.
func (m *Manager[M, K]) AddPeer(peer string) bool {
	if peer == "" || peer == m.protocol.NodeID() {
		return false
	}
	if _, ok := m.peers[peer]; ok {
		return false
	}
	m.peers[peer] = struct{}{}
	m.logger.Info("Peer added", zap.String("peer", peer))
	return true
}

// RemovePeer forgets peer. Its version vectors are kept so a returning peer
// does not need a full resync.
func (m *Manager[M, K]) RemovePeer(peer string) bool {
	if _, ok := m.peers[peer]; !ok {
		return false
	}
	delete(m.peers, peer)
	m.logger.Info("Peer removed", zap.String("peer", peer))
	return true
}

// HasPeer reports whether peer is registered
func (m *Manager[M, K]) HasPeer(peer string) bool {
	_, ok := m.peers[peer]
	return ok
}

// Peers returns the registered peers in ascending order
func (m *Manager[M, K]) Peers() []string {
	peers := make([]string, 0, len(m.peers))
	for peer := range m.peers {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// SyncWithPeer generates a delta per data type and passes the non-nil ones
// to send. The returned map reports in-flight or already-synced per type;
// on error it holds the types handled before the failure.
func (m *Manager[M, K]) SyncWithPeer(ctx context.Context, peer string, memory, kala json.Marshaler, send SendFunc) (map[DeltaType]Status, error) {
	if !m.HasPeer(peer) {
		return nil, apperrors.UnknownPeer(peer)
	}

	states := map[DeltaType]json.Marshaler{
		DeltaTypeMemory: memory,
		DeltaTypeKala:   kala,
	}
	statuses := make(map[DeltaType]Status, len(states))

	for _, dt := range DeltaTypes {
		delta, err := m.protocol.GenerateDelta(peer, dt, states[dt])
		if err != nil {
			return statuses, err
		}
		if delta == nil {
			statuses[dt] = StatusSynced
			continue
		}
		if err := send(ctx, delta); err != nil {
			m.logger.Warn("Failed to send delta",
				zap.String("peer", peer),
				zap.String("delta_type", string(dt)),
				zap.Int64("version", delta.Version),
				zap.Error(err))
			return statuses, err
		}
		statuses[dt] = StatusInFlight
		m.logger.Debug("Delta sent",
			zap.String("peer", peer),
			zap.String("delta_type", string(dt)),
			zap.Int64("version", delta.Version),
			zap.Int("bytes", delta.Size()))
	}

	return statuses, nil
}

// ReceiveDelta applies an inbound delta with the merge function matching its
// type and returns both states, one of them updated.
func (m *Manager[M, K]) ReceiveDelta(d *Delta, memory M, kala K, mergeMemory MergeFunc[M], mergeKala MergeFunc[K]) (M, K, error) {
	switch d.DeltaType {
	case DeltaTypeMemory:
		merged, err := ApplyDelta(m.protocol, d, memory, mergeMemory)
		return merged, kala, err
	case DeltaTypeKala:
		merged, err := ApplyDelta(m.protocol, d, kala, mergeKala)
		return memory, merged, err
	default:
		return memory, kala, apperrors.UnknownDeltaType(string(d.DeltaType))
	}
}

// Acknowledge records a peer's acknowledgement of one of our deltas
func (m *Manager[M, K]) Acknowledge(ack Ack) error {
	return m.protocol.RecordAck(ack)
}
