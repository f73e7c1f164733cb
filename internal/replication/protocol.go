package replication

import (
	"encoding/json"
	"sort"

	apperrors "github.com/kalanet/kalasync/internal/errors"
)

// DefaultFullSyncThreshold is the version gap past which a peer is resynced
// from a full snapshot instead of incremental deltas.
const DefaultFullSyncThreshold int64 = 100

// SyncState is the per (peer, data type) replication state. In-flight sends
// are tracked by callers and never persisted.
type SyncState string

const (
	StateUnsynced SyncState = "UNSYNCED"
	StateSynced   SyncState = "SYNCED"
)

// MergeFunc merges serialized remote state into the current state and
// returns the result without modifying current.
type MergeFunc[S any] func(current S, data json.RawMessage) (S, error)

// Protocol keeps the version bookkeeping for one replica:
//   - local version per data type, bumped once per local mutation batch
//   - per peer, the highest local version the peer acknowledged
//   - per peer, the highest version of the peer's own state merged here
//
// Protocol is not safe for concurrent use.
type Protocol struct {
	nodeID            string
	localVersion      map[DeltaType]int64
	versionVectors    map[string]map[DeltaType]int64
	receivedVersions  map[string]map[DeltaType]int64
	fullSyncThreshold int64
}

// ProtocolOption configures a Protocol
type ProtocolOption func(*Protocol)

// WithFullSyncThreshold overrides DefaultFullSyncThreshold
func WithFullSyncThreshold(threshold int64) ProtocolOption {
	return func(p *Protocol) {
		if threshold > 0 {
			p.fullSyncThreshold = threshold
		}
	}
}

// NewProtocol creates protocol state for nodeID
func NewProtocol(nodeID string, opts ...ProtocolOption) *Protocol {
	p := &Protocol{
		nodeID:            nodeID,
		localVersion:      make(map[DeltaType]int64),
		versionVectors:    make(map[string]map[DeltaType]int64),
		receivedVersions:  make(map[string]map[DeltaType]int64),
		fullSyncThreshold: DefaultFullSyncThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NodeID returns the local node
func (p *Protocol) NodeID() string {
	return p.nodeID
}

// FullSyncThreshold returns the configured version gap threshold
func (p *Protocol) FullSyncThreshold() int64 {
	return p.fullSyncThreshold
}

// IncrementVersion bumps the local version of dt and returns the new value
func (p *Protocol) IncrementVersion(dt DeltaType) int64 {
	p.localVersion[dt]++
	return p.localVersion[dt]
}

// LocalVersion returns the local version of dt
func (p *Protocol) LocalVersion(dt DeltaType) int64 {
	return p.localVersion[dt]
}

// AckedVersion returns the highest local version of dt acknowledged by peer
func (p *Protocol) AckedVersion(peer string, dt DeltaType) int64 {
	return p.versionVectors[peer][dt]
}

// ReceivedVersion returns the highest version of peer's dt state merged here
func (p *Protocol) ReceivedVersion(peer string, dt DeltaType) int64 {
	return p.receivedVersions[peer][dt]
}

// GenerateDelta packages state for target when the target has not
// acknowledged the current local version of dt. A nil delta with a nil
// error means the target is already caught up.
func (p *Protocol) GenerateDelta(target string, dt DeltaType, state json.Marshaler) (*Delta, error) {
	if p.LocalVersion(dt) <= p.AckedVersion(target, dt) {
		return nil, nil
	}
	return p.SnapshotDelta(target, dt, state)
}

// SnapshotDelta packages state for target regardless of version vectors.
// Used for full resyncs.
func (p *Protocol) SnapshotDelta(target string, dt DeltaType, state json.Marshaler) (*Delta, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, apperrors.InternalError("serialize "+string(dt)+" state", err)
	}
	return &Delta{
		SourceNodeID: p.nodeID,
		TargetNodeID: target,
		DeltaType:    dt,
		Data:         data,
		Version:      p.LocalVersion(dt),
	}, nil
}

// ApplyDelta merges an inbound delta into current through merge and records
// the source's version. The recorded version only moves forward, so late or
// repeated deliveries are harmless. current is returned unchanged on error.
func ApplyDelta[S any](p *Protocol, d *Delta, current S, merge MergeFunc[S]) (S, error) {
	if d.TargetNodeID != p.nodeID {
		return current, apperrors.TargetMismatch(p.nodeID, d.TargetNodeID)
	}
	if err := d.Validate(); err != nil {
		return current, err
	}
	merged, err := merge(current, d.Data)
	if err != nil {
		return current, err
	}
	raise(p.receivedVersions, d.SourceNodeID, d.DeltaType, d.Version)
	return merged, nil
}

// RecordAck records that ack.SourceNodeID holds local version ack.Version.
// Acks above the current local version (a peer remembering state from
// before an unpersisted restart) are clamped so new writes still ship.
func (p *Protocol) RecordAck(ack Ack) error {
	if ack.TargetNodeID != p.nodeID {
		return apperrors.TargetMismatch(p.nodeID, ack.TargetNodeID)
	}
	version := ack.Version
	if local := p.LocalVersion(ack.DeltaType); version > local {
		version = local
	}
	raise(p.versionVectors, ack.SourceNodeID, ack.DeltaType, version)
	return nil
}

// FullSyncRequired reports whether target has never acknowledged anything,
// or lags the local version of any data type by more than the threshold.
func (p *Protocol) FullSyncRequired(target string) bool {
	acked, ok := p.versionVectors[target]
	if !ok {
		return true
	}
	for dt, local := range p.localVersion {
		if local-acked[dt] > p.fullSyncThreshold {
			return true
		}
	}
	return false
}

// State returns SYNCED when peer acknowledged the current local version of dt
func (p *Protocol) State(peer string, dt DeltaType) SyncState {
	if p.AckedVersion(peer, dt) >= p.LocalVersion(dt) {
		if _, ok := p.versionVectors[peer]; ok {
			return StateSynced
		}
	}
	return StateUnsynced
}

// Peers returns every node the protocol has exchanged versions with
func (p *Protocol) Peers() []string {
	seen := make(map[string]struct{}, len(p.versionVectors)+len(p.receivedVersions))
	for peer := range p.versionVectors {
		seen[peer] = struct{}{}
	}
	for peer := range p.receivedVersions {
		seen[peer] = struct{}{}
	}
	peers := make([]string, 0, len(seen))
	for peer := range seen {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

func raise(vectors map[string]map[DeltaType]int64, peer string, dt DeltaType, version int64) {
	v, ok := vectors[peer]
	if !ok {
		v = make(map[DeltaType]int64)
		vectors[peer] = v
	}
	if current, ok := v[dt]; !ok || version > current {
		v[dt] = version
	}
}

type protocolJSON struct {
	NodeID            string                         `json:"node_id"`
	LocalVersion      map[DeltaType]int64            `json:"local_version"`
	VersionVectors    map[string]map[DeltaType]int64 `json:"version_vectors"`
	ReceivedVersions  map[string]map[DeltaType]int64 `json:"received_versions"`
	FullSyncThreshold int64                          `json:"full_sync_threshold"`
}

// MarshalJSON persists the protocol state
func (p *Protocol) MarshalJSON() ([]byte, error) {
	return json.Marshal(protocolJSON{
		NodeID:            p.nodeID,
		LocalVersion:      p.localVersion,
		VersionVectors:    p.versionVectors,
		ReceivedVersions:  p.receivedVersions,
		FullSyncThreshold: p.fullSyncThreshold,
	})
}

// UnmarshalJSON restores persisted protocol state. A threshold set on the
// receiver takes precedence over the persisted one.
func (p *Protocol) UnmarshalJSON(data []byte) error {
	var raw protocolJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperrors.Deserialization("sync protocol", err)
	}
	if raw.NodeID == "" {
		return apperrors.Deserialization("sync protocol", errMissing("node_id"))
	}
	p.nodeID = raw.NodeID
	p.localVersion = orEmpty(raw.LocalVersion)
	p.versionVectors = nestedOrEmpty(raw.VersionVectors)
	p.receivedVersions = nestedOrEmpty(raw.ReceivedVersions)
	if p.fullSyncThreshold == 0 {
		p.fullSyncThreshold = raw.FullSyncThreshold
	}
	if p.fullSyncThreshold <= 0 {
		p.fullSyncThreshold = DefaultFullSyncThreshold
	}
	return nil
}

func orEmpty(m map[DeltaType]int64) map[DeltaType]int64 {
	if m == nil {
		return make(map[DeltaType]int64)
	}
	return m
}

func nestedOrEmpty(m map[string]map[DeltaType]int64) map[string]map[DeltaType]int64 {
	if m == nil {
		return make(map[string]map[DeltaType]int64)
	}
	for peer, v := range m {
		m[peer] = orEmpty(v)
	}
	return m
}
