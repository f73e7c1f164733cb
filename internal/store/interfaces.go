package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no snapshot exists for a node
var ErrNotFound = errors.New("not found")

// SnapshotStore persists the serialized state of a replica, keyed by node id.
// Save replaces any previous snapshot for the node.
type SnapshotStore interface {
	Save(ctx context.Context, nodeID string, data []byte) error
	Load(ctx context.Context, nodeID string) ([]byte, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
