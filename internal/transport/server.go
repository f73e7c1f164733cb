package transport

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/kalanet/kalasync/internal/errors"
	"github.com/kalanet/kalasync/internal/metrics"
	"github.com/kalanet/kalasync/internal/replication"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Replica is the state owner the server delivers deltas to
type Replica interface {
	ReceiveDelta(d *replication.Delta) (replication.Ack, error)
	SnapshotDeltas(requester string) ([]*replication.Delta, error)
}

// Server implements ReplicationServer on top of a Replica
type Server struct {
	replica Replica
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewServer creates a replication server. m may be nil.
func NewServer(replica Replica, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{replica: replica, metrics: m, logger: logger}
}

// MessageSizeOptions returns the server options matching a client built
// with WithMaxMessageSize(bytes).
func MessageSizeOptions(bytes int) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(bytes),
		grpc.MaxSendMsgSize(bytes),
	}
}

// PushDelta merges an inbound delta and acknowledges it
func (s *Server) PushDelta(ctx context.Context, d *replication.Delta) (*replication.Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}

	start := time.Now()
	ack, err := s.replica.ReceiveDelta(d)
	if s.metrics != nil {
		s.metrics.RecordDeltaReceived(string(d.DeltaType), time.Since(start), err)
	}
	if err != nil {
		s.logger.Warn("Rejected delta",
			zap.String("source", d.SourceNodeID),
			zap.String("delta_type", string(d.DeltaType)),
			zap.Int64("version", d.Version),
			zap.Error(err))
		return nil, toStatusError(err)
	}

	s.logger.Debug("Delta applied",
		zap.String("source", d.SourceNodeID),
		zap.String("delta_type", string(d.DeltaType)),
		zap.Int64("version", d.Version))
	return &ack, nil
}

// FetchSnapshot returns the full state addressed to the requester
func (s *Server) FetchSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	if req.RequesterNodeID == "" {
		return nil, status.Error(codes.InvalidArgument, "requester_node_id is required")
	}

	deltas, err := s.replica.SnapshotDeltas(req.RequesterNodeID)
	if err != nil {
		s.logger.Error("Failed to build snapshot",
			zap.String("requester", req.RequesterNodeID),
			zap.Error(err))
		return nil, toStatusError(err)
	}

	s.logger.Info("Serving full snapshot", zap.String("requester", req.RequesterNodeID))
	return &SnapshotResponse{Deltas: deltas}, nil
}

func toStatusError(err error) error {
	var se *apperrors.SyncError
	if errors.As(err, &se) {
		return se.ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}
