package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the Redis connection settings
type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

// RedisSnapshotStore implements SnapshotStore for Redis
type RedisSnapshotStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisSnapshotStore connects to Redis and verifies the connection
func NewRedisSnapshotStore(cfg RedisConfig) (*RedisSnapshotStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSnapshotStore{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

func (s *RedisSnapshotStore) key(nodeID string) string {
	return s.keyPrefix + nodeID
}

// Save stores the snapshot without expiry
func (s *RedisSnapshotStore) Save(ctx context.Context, nodeID string, data []byte) error {
	if err := s.client.Set(ctx, s.key(nodeID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Load retrieves the snapshot
func (s *RedisSnapshotStore) Load(ctx context.Context, nodeID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(nodeID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return data, nil
}

// Ping checks the Redis connection
func (s *RedisSnapshotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisSnapshotStore) Close() error {
	return s.client.Close()
}
