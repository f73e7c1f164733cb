package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileSnapshotStore keeps one snapshot file per node in a directory.
// Writes go to a temporary file that is renamed into place.
type FileSnapshotStore struct {
	dir string
}

// NewFileSnapshotStore creates the directory if needed
func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory %s: %w", dir, err)
	}
	return &FileSnapshotStore{dir: dir}, nil
}

func (s *FileSnapshotStore) path(nodeID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.snapshot", filepath.Base(nodeID)))
}

// Save writes the snapshot atomically
func (s *FileSnapshotStore) Save(_ context.Context, nodeID string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(nodeID)); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

// Load reads the snapshot for nodeID
func (s *FileSnapshotStore) Load(_ context.Context, nodeID string) ([]byte, error) {
	data, err := os.ReadFile(s.path(nodeID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// Ping checks the directory is still there
func (s *FileSnapshotStore) Ping(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("snapshot directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("snapshot path %s is not a directory", s.dir)
	}
	return nil
}

// Close is a no-op
func (s *FileSnapshotStore) Close() error {
	return nil
}
