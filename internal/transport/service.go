package transport

import (
	"context"

	"github.com/kalanet/kalasync/internal/replication"
	"google.golang.org/grpc"
)

const (
	serviceName         = "kalasync.replication.v1.Replication"
	pushDeltaMethod     = "/" + serviceName + "/PushDelta"
	fetchSnapshotMethod = "/" + serviceName + "/FetchSnapshot"
)

// SnapshotRequest asks a replica for its full state
type SnapshotRequest struct {
	RequesterNodeID string `json:"requester_node_id"`
}

// SnapshotResponse holds one full-state delta per data type, each addressed
// to the requester.
type SnapshotResponse struct {
	Deltas []*replication.Delta `json:"deltas"`
}

// ReplicationServer is the server API for the replication service
type ReplicationServer interface {
	PushDelta(ctx context.Context, d *replication.Delta) (*replication.Ack, error)
	FetchSnapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotResponse, error)
}

// RegisterReplicationServer registers srv on s
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&replicationServiceDesc, srv)
}

func pushDeltaHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(replication.Delta)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).PushDelta(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pushDeltaMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicationServer).PushDelta(ctx, req.(*replication.Delta))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).FetchSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchSnapshotMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ReplicationServer).FetchSnapshot(ctx, req.(*SnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PushDelta", Handler: pushDeltaHandler},
		{MethodName: "FetchSnapshot", Handler: fetchSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kalasync/replication/v1/replication.proto",
}
