package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createSnapshotsTable = `
	CREATE TABLE IF NOT EXISTS replica_snapshots (
		node_id    TEXT PRIMARY KEY,
		data       BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)
`

// PostgresSnapshotStore implements SnapshotStore using PostgreSQL
type PostgresSnapshotStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSnapshotStore opens a pool for dsn and ensures the table exists
func NewPostgresSnapshotStore(ctx context.Context, dsn string, maxConns int32) (*PostgresSnapshotStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := NewPostgresSnapshotStoreFromPool(pool)
	if _, err := pool.Exec(ctx, createSnapshotsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return s, nil
}

// NewPostgresSnapshotStoreFromPool wraps an existing pool
func NewPostgresSnapshotStoreFromPool(pool *pgxpool.Pool) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{pool: pool}
}

// Save upserts the snapshot for nodeID
func (s *PostgresSnapshotStore) Save(ctx context.Context, nodeID string, data []byte) error {
	query := `
		INSERT INTO replica_snapshots (node_id, data, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (node_id) DO UPDATE
		SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
	`

	if _, err := s.pool.Exec(ctx, query, nodeID, data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// Load retrieves the snapshot for nodeID
func (s *PostgresSnapshotStore) Load(ctx context.Context, nodeID string) ([]byte, error) {
	query := `SELECT data FROM replica_snapshots WHERE node_id = $1`

	var data []byte
	err := s.pool.QueryRow(ctx, query, nodeID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return data, nil
}

// Ping checks the database connection
func (s *PostgresSnapshotStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool
func (s *PostgresSnapshotStore) Close() error {
	s.pool.Close()
	return nil
}
