package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/kalanet/kalasync/internal/replication"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// Client sends deltas to peer replicas. One connection is kept per address.
type Client struct {
	connections map[string]*grpc.ClientConn
	mu          sync.RWMutex
	timeout     time.Duration
	dialOptions []grpc.DialOption
}

// NewClient creates a client whose calls time out after timeout. Extra dial
// options are appended to the defaults.
func NewClient(timeout time.Duration, opts ...grpc.DialOption) *Client {
	dialOptions := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             10 * time.Second,
			PermitWithoutStream: false,
		}),
	}
	return &Client{
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
		dialOptions: append(dialOptions, opts...),
	}
}

// WithMaxMessageSize sets the send and receive limits, in bytes, of every
// call on the client's connections. Full-state deltas grow with the replica.
func WithMaxMessageSize(bytes int) grpc.DialOption {
	return grpc.WithDefaultCallOptions(
		grpc.MaxCallRecvMsgSize(bytes),
		grpc.MaxCallSendMsgSize(bytes),
	)
}

// PushDelta delivers d to the replica at addr and returns its acknowledgement
func (c *Client) PushDelta(ctx context.Context, addr string, d *replication.Delta) (replication.Ack, error) {
	conn, err := c.getConnection(addr)
	if err != nil {
		return replication.Ack{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var ack replication.Ack
	if err := conn.Invoke(ctx, pushDeltaMethod, d, &ack); err != nil {
		return replication.Ack{}, apperrors.FromGRPCError(err).WithDetail("peer_addr", addr)
	}
	return ack, nil
}

// FetchSnapshot pulls the full state of the replica at addr
func (c *Client) FetchSnapshot(ctx context.Context, addr, requester string) ([]*replication.Delta, error) {
	conn, err := c.getConnection(addr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp SnapshotResponse
	if err := conn.Invoke(ctx, fetchSnapshotMethod, &SnapshotRequest{RequesterNodeID: requester}, &resp); err != nil {
		return nil, apperrors.FromGRPCError(err).WithDetail("peer_addr", addr)
	}
	return resp.Deltas, nil
}

// getConnection returns or creates a gRPC connection
func (c *Client) getConnection(addr string) (*grpc.ClientConn, error) {
	c.mu.RLock()
	conn, exists := c.connections[addr]
	c.mu.RUnlock()

	if exists {
		return conn, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, exists := c.connections[addr]; exists {
		return conn, nil
	}

	conn, err := grpc.NewClient(addr, c.dialOptions...)
	if err != nil {
		return nil, apperrors.Unavailable(fmt.Sprintf("failed to create connection to %s", addr), err)
	}

	c.connections[addr] = conn
	return conn, nil
}

// Forget closes and drops the cached connection for addr
func (c *Client) Forget(addr string) error {
	c.mu.Lock()
	conn, exists := c.connections[addr]
	delete(c.connections, addr)
	c.mu.Unlock()

	if !exists {
		return nil
	}
	return conn.Close()
}

// Close closes all connections
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for addr, conn := range c.connections {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	c.connections = make(map[string]*grpc.ClientConn)
	return errors.Join(errs...)
}
