package service

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/kalanet/kalasync/internal/metrics"
	"go.uber.org/zap"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindPort       int
	AdvertiseHost  string
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// NodeMeta is what every replica advertises to the cluster
type NodeMeta struct {
	NodeID   string `json:"node_id"`
	GRPCAddr string `json:"grpc_addr"`
}

// PeerRegistry receives membership changes
type PeerRegistry interface {
	AddPeer(nodeID, addr string) bool
	RemovePeer(nodeID string) bool
}

// GossipService discovers sync peers through memberlist
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	meta       NodeMeta
	peers      PeerRegistry
	metrics    *metrics.Metrics
	logger     *zap.Logger
	// memberlist holds its node lock while invoking event delegates, so
	// membership is counted here instead of asking memberlist.
	members atomic.Int32
}

// NewGossipService starts a memberlist node and joins the seed nodes
func NewGossipService(cfg *GossipConfig, meta NodeMeta, peers PeerRegistry, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:  cfg,
		meta:    meta,
		peers:   peers,
		metrics: m,
		logger:  logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = meta.NodeID
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.AdvertiseHost != "" {
		mlConfig.AdvertiseAddr = cfg.AdvertiseHost
	}
	mlConfig.GossipInterval = cfg.GossipInterval
	mlConfig.ProbeTimeout = cfg.ProbeTimeout
	mlConfig.ProbeInterval = cfg.ProbeInterval
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		joined, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Int("joined", joined), zap.Error(err))
		}
	}

	return gs, nil
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	data, err := json.Marshal(s.meta)
	if err != nil || len(data) > limit {
		s.logger.Error("Node metadata does not fit", zap.Int("limit", limit), zap.Error(err))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg([]byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// Members returns the number of live members, including this node
func (s *GossipService) Members() int {
	return int(s.members.Load())
}

// Shutdown leaves the cluster and stops gossiping
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(5 * time.Second); err != nil {
		s.logger.Warn("Failed to leave cluster cleanly", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// GossipEventDelegate turns memberlist events into peer registrations
type GossipEventDelegate struct {
	service *GossipService
}

func (d *GossipEventDelegate) decode(node *memberlist.Node) (NodeMeta, bool) {
	var meta NodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil || meta.NodeID == "" || meta.GRPCAddr == "" {
		d.service.logger.Warn("Ignoring member without replica metadata",
			zap.String("name", node.Name),
			zap.String("addr", node.Address()))
		return NodeMeta{}, false
	}
	return meta, true
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.members.Add(1)
	if node.Name == d.service.meta.NodeID {
		return
	}
	meta, ok := d.decode(node)
	if !ok {
		return
	}
	d.service.peers.AddPeer(meta.NodeID, meta.GRPCAddr)
	d.service.metrics.RecordGossipEvent("join", d.service.Members())
	d.service.logger.Info("Node joined",
		zap.String("node_id", meta.NodeID),
		zap.String("grpc_addr", meta.GRPCAddr))
}

// NotifyLeave is called when a node leaves or is declared dead
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.members.Add(-1)
	if node.Name == d.service.meta.NodeID {
		return
	}
	d.service.peers.RemovePeer(node.Name)
	d.service.metrics.RecordGossipEvent("leave", d.service.Members())
	d.service.logger.Info("Node left", zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node's metadata changes
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	if node.Name == d.service.meta.NodeID {
		return
	}
	meta, ok := d.decode(node)
	if !ok {
		return
	}
	d.service.peers.AddPeer(meta.NodeID, meta.GRPCAddr)
	d.service.metrics.RecordGossipEvent("update", d.service.Members())
}
