package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/kalanet/kalasync/internal/metrics"
	"github.com/kalanet/kalasync/internal/replication"
	"github.com/kalanet/kalasync/internal/util/workerpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// PeerTransport moves deltas between replicas
type PeerTransport interface {
	PushDelta(ctx context.Context, addr string, d *replication.Delta) (replication.Ack, error)
	FetchSnapshot(ctx context.Context, addr, requester string) ([]*replication.Delta, error)
}

// SyncConfig holds sync loop configuration
type SyncConfig struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	MaxParallel    int
}

// PeerSyncResult is the outcome of one sync round with one peer
type PeerSyncResult struct {
	Peer     string                                       `json:"peer"`
	FullSync bool                                         `json:"full_sync"`
	Skipped  bool                                         `json:"skipped,omitempty"`
	Statuses map[replication.DeltaType]replication.Status `json:"statuses,omitempty"`
	Error    string                                       `json:"error,omitempty"`
}

// SyncService pushes local changes to every known peer on a fixed interval
type SyncService struct {
	config    *SyncConfig
	replica   *ReplicaService
	transport PeerTransport
	pool      *workerpool.WorkerPool
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu        sync.RWMutex
	addresses map[string]string

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSyncService creates a sync service. Peers are added with AddPeer.
func NewSyncService(
	cfg *SyncConfig,
	replica *ReplicaService,
	transport PeerTransport,
	pool *workerpool.WorkerPool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SyncService {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	return &SyncService{
		config:    cfg,
		replica:   replica,
		transport: transport,
		pool:      pool,
		metrics:   m,
		logger:    logger,
		addresses: make(map[string]string),
		stopChan:  make(chan struct{}),
	}
}

// AddPeer registers a peer and its gRPC address. Re-adding a known peer
// updates its address.
func (s *SyncService) AddPeer(nodeID, addr string) bool {
	if nodeID == "" || addr == "" || nodeID == s.replica.NodeID() {
		return false
	}

	s.mu.Lock()
	previous, known := s.addresses[nodeID]
	s.addresses[nodeID] = addr
	s.mu.Unlock()

	if known && previous != addr {
		s.logger.Info("Peer address changed",
			zap.String("peer", nodeID),
			zap.String("old_addr", previous),
			zap.String("new_addr", addr))
	}
	added := s.replica.AddPeer(nodeID)
	return added || !known
}

// RemovePeer forgets a peer
func (s *SyncService) RemovePeer(nodeID string) bool {
	s.mu.Lock()
	_, known := s.addresses[nodeID]
	delete(s.addresses, nodeID)
	s.mu.Unlock()

	removed := s.replica.RemovePeer(nodeID)
	return known || removed
}

// PeerAddress returns the address of a registered peer
func (s *SyncService) PeerAddress(nodeID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.addresses[nodeID]
	return addr, ok
}

// Peers returns the registered peer ids in ascending order
func (s *SyncService) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	peers := make([]string, 0, len(s.addresses))
	for peer := range s.addresses {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	return peers
}

// Start runs the periodic sync loop until Stop or ctx is done
func (s *SyncService) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()

		s.logger.Info("Sync loop started", zap.Duration("interval", s.config.Interval))
		for {
			select {
			case <-ticker.C:
				s.scheduleRound(ctx)
			case <-s.stopChan:
				s.logger.Info("Sync loop stopped")
				return
			case <-ctx.Done():
				s.logger.Info("Sync loop stopped")
				return
			}
		}
	}()
}

// Stop stops the periodic loop
func (s *SyncService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// scheduleRound submits one task per peer. A peer whose previous round is
// still running is skipped.
func (s *SyncService) scheduleRound(ctx context.Context) {
	for _, peer := range s.Peers() {
		peer := peer
		err := s.pool.Submit(workerpool.Task{
			Key:     peer,
			Context: ctx,
			Fn: func(ctx context.Context) error {
				_, err := s.SyncPeer(ctx, peer)
				return err
			},
		})
		switch {
		case err == nil:
		case errors.Is(err, workerpool.ErrDuplicate):
			s.logger.Debug("Sync already in progress", zap.String("peer", peer))
		default:
			s.logger.Warn("Failed to schedule sync", zap.String("peer", peer), zap.Error(err))
		}
	}

	stats := s.pool.Stats()
	s.metrics.UpdateWorkerPool(stats.QueueUtilization(), stats.ActiveWorkers)
}

// SyncAll syncs every registered peer now, at most MaxParallel at a time.
// Each peer's key is claimed in the pool for the length of its round, so
// scheduled rounds skip it meanwhile. Peers with a scheduled round in
// flight are reported as skipped. The
// returned error joins the per peer failures.
func (s *SyncService) SyncAll(ctx context.Context) ([]PeerSyncResult, error) {
	peers := s.Peers()
	results := make([]PeerSyncResult, len(peers))
	errs := make([]error, len(peers))

	var g errgroup.Group
	g.SetLimit(s.config.MaxParallel)
	for i, peer := range peers {
		i, peer := i, peer
		if s.pool != nil && !s.pool.TryClaim(peer) {
			results[i] = PeerSyncResult{Peer: peer, Skipped: true}
			continue
		}
		g.Go(func() error {
			if s.pool != nil {
				defer s.pool.Release(peer)
			}
			results[i], errs[i] = s.SyncPeer(ctx, peer)
			return nil
		})
	}
	_ = g.Wait()

	return results, errors.Join(errs...)
}

// SyncPeer runs one sync round with peer. A peer that never acknowledged
// anything, or lags beyond the full sync threshold, first exchanges full
// state in both directions. Outstanding deltas are then pushed and their
// acknowledgements recorded.
func (s *SyncService) SyncPeer(ctx context.Context, peer string) (PeerSyncResult, error) {
	result := PeerSyncResult{Peer: peer}
	addr, ok := s.PeerAddress(peer)
	if !ok {
		err := apperrors.UnknownPeer(peer)
		result.Error = err.Error()
		return result, err
	}

	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	result.FullSync = s.replica.FullSyncRequired(peer)

	var err error
	if result.FullSync {
		result.Statuses, err = s.fullSync(ctx, peer, addr)
	} else {
		result.Statuses, err = s.deltaSync(ctx, peer, addr)
	}
	s.metrics.RecordSyncRound(time.Since(start), result.FullSync, err)

	if err != nil {
		result.Error = err.Error()
		s.logger.Warn("Sync round failed",
			zap.String("peer", peer),
			zap.String("addr", addr),
			zap.Bool("full_sync", result.FullSync),
			zap.Error(err))
		return result, err
	}

	s.logger.Debug("Sync round completed",
		zap.String("peer", peer),
		zap.Bool("full_sync", result.FullSync),
		zap.Duration("duration", time.Since(start)))
	return result, nil
}

func (s *SyncService) fullSync(ctx context.Context, peer, addr string) (map[replication.DeltaType]replication.Status, error) {
	s.logger.Info("Starting full sync", zap.String("peer", peer))

	remote, err := s.transport.FetchSnapshot(ctx, addr, s.replica.NodeID())
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot from %s: %w", peer, err)
	}
	for _, d := range remote {
		if _, err := s.replica.ReceiveDelta(d); err != nil {
			return nil, fmt.Errorf("apply snapshot from %s: %w", peer, err)
		}
	}

	deltas, err := s.replica.SnapshotDeltas(peer)
	if err != nil {
		return nil, err
	}
	statuses := make(map[replication.DeltaType]replication.Status, len(deltas))
	if err := s.push(ctx, addr, deltas, statuses); err != nil {
		return statuses, err
	}
	return statuses, nil
}

func (s *SyncService) deltaSync(ctx context.Context, peer, addr string) (map[replication.DeltaType]replication.Status, error) {
	deltas, statuses, err := s.replica.PrepareSync(ctx, peer)
	if err != nil {
		return statuses, err
	}
	if err := s.push(ctx, addr, deltas, statuses); err != nil {
		return statuses, err
	}
	return statuses, nil
}

// push sends deltas in order and records each acknowledgement. Delivered
// types are marked synced in statuses.
func (s *SyncService) push(ctx context.Context, addr string, deltas []*replication.Delta, statuses map[replication.DeltaType]replication.Status) error {
	for _, d := range deltas {
		ack, err := s.transport.PushDelta(ctx, addr, d)
		s.metrics.RecordDeltaSent(string(d.DeltaType), d.Size(), err)
		if err != nil {
			statuses[d.DeltaType] = replication.StatusInFlight
			return fmt.Errorf("push %s: %w", d, err)
		}
		if err := s.replica.Acknowledge(ack); err != nil {
			return err
		}
		statuses[d.DeltaType] = replication.StatusSynced
	}
	return nil
}
