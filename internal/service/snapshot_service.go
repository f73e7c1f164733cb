package service

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/kalanet/kalasync/internal/metrics"
	"github.com/kalanet/kalasync/internal/store"
	"github.com/kalanet/kalasync/internal/util"
	"go.uber.org/zap"
)

// SnapshotService persists replica state so a restarted node resumes with
// its data and version vectors. Snapshots are stored with a trailing CRC32.
type SnapshotService struct {
	store    store.SnapshotStore
	replica  *ReplicaService
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu           sync.Mutex
	lastChecksum uint32
	saved        bool

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSnapshotService creates a snapshot service. A nil store disables
// persistence.
func NewSnapshotService(st store.SnapshotStore, replica *ReplicaService, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *SnapshotService {
	return &SnapshotService{
		store:    st,
		replica:  replica,
		interval: interval,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Enabled reports whether a store is configured
func (s *SnapshotService) Enabled() bool {
	return s.store != nil
}

// Save writes the current state. It is a no-op when nothing changed since
// the last save.
func (s *SnapshotService) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	data, err := s.replica.Snapshot()
	if err != nil {
		s.metrics.RecordSnapshot("save", time.Since(start), 0, err)
		return err
	}

	checksum := util.ComputeChecksum(data)
	if s.saved && checksum == s.lastChecksum {
		return nil
	}

	envelope := util.AppendChecksum(data)
	if err := s.store.Save(ctx, s.replica.NodeID(), envelope); err != nil {
		s.metrics.RecordSnapshot("save", time.Since(start), 0, err)
		return apperrors.Unavailable("save snapshot", err)
	}
	s.lastChecksum = checksum
	s.saved = true
	s.metrics.RecordSnapshot("save", time.Since(start), len(envelope), nil)

	s.logger.Debug("Snapshot saved",
		zap.Int("bytes", len(envelope)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Restore loads the last snapshot into the replica. It returns false when
// no snapshot exists.
func (s *SnapshotService) Restore(ctx context.Context) (bool, error) {
	if s.store == nil {
		return false, nil
	}

	start := time.Now()
	envelope, err := s.store.Load(ctx, s.replica.NodeID())
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Info("No snapshot found, starting empty")
		return false, nil
	}
	if err != nil {
		s.metrics.RecordSnapshot("load", time.Since(start), 0, err)
		return false, apperrors.Unavailable("load snapshot", err)
	}

	data, ok := util.ValidateAndStripChecksum(envelope)
	if !ok {
		err := apperrors.CorruptedData("snapshot checksum mismatch", nil).
			WithDetail("node_id", s.replica.NodeID()).
			WithDetail("bytes", len(envelope))
		s.metrics.RecordSnapshot("load", time.Since(start), len(envelope), err)
		return false, err
	}
	if err := s.replica.Restore(data); err != nil {
		s.metrics.RecordSnapshot("load", time.Since(start), len(envelope), err)
		return false, err
	}

	s.mu.Lock()
	s.lastChecksum = util.ComputeChecksum(data)
	s.saved = true
	s.mu.Unlock()

	s.metrics.RecordSnapshot("load", time.Since(start), len(envelope), nil)
	return true, nil
}

// Start saves periodically until Stop or ctx is done
func (s *SnapshotService) Start(ctx context.Context) {
	if s.store == nil || s.interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := s.Save(ctx); err != nil {
					s.logger.Error("Periodic snapshot failed", zap.Error(err))
				}
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the periodic saver. Callers save once more afterwards to
// persist the final state.
func (s *SnapshotService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Ping checks the backing store
func (s *SnapshotService) Ping(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Ping(ctx)
}
