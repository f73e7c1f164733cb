package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/kalanet/kalasync/internal/config"
	"go.uber.org/zap"
)

// NewSnapshotStore builds the backend selected by cfg.Snapshot.Backend.
// The "none" backend yields a nil store.
func NewSnapshotStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (SnapshotStore, error) {
	switch cfg.Snapshot.Backend {
	case config.SnapshotBackendNone:
		return nil, nil
	case config.SnapshotBackendFile:
		return NewFileSnapshotStore(cfg.Snapshot.Dir)
	case config.SnapshotBackendBadger:
		return NewBadgerSnapshotStore(BadgerConfig{
			Path:       filepath.Join(cfg.Snapshot.Dir, "badger"),
			SyncWrites: cfg.Snapshot.SyncWrites,
			Logger:     logger,
		})
	case config.SnapshotBackendRedis:
		return NewRedisSnapshotStore(RedisConfig{
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	case config.SnapshotBackendPostgres:
		return NewPostgresSnapshotStore(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConnections)
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Snapshot.Backend)
	}
}
