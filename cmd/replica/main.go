package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kalanet/kalasync/internal/config"
	"github.com/kalanet/kalasync/internal/handler"
	"github.com/kalanet/kalasync/internal/health"
	"github.com/kalanet/kalasync/internal/metrics"
	"github.com/kalanet/kalasync/internal/server"
	"github.com/kalanet/kalasync/internal/service"
	"github.com/kalanet/kalasync/internal/store"
	"github.com/kalanet/kalasync/internal/transport"
	"github.com/kalanet/kalasync/internal/util/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("node_id", cfg.Server.NodeID))

	logger.Info("Configuration loaded",
		zap.String("grpc_addr", cfg.GRPCAddress()),
		zap.Int("http_port", cfg.Server.HTTPPort),
		zap.String("snapshot_backend", cfg.Snapshot.Backend),
		zap.String("tie_break", cfg.Sync.TieBreak),
		zap.Int("max_message_size", cfg.Sync.MaxMessageSize))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(cfg.Server.NodeID, registry)

	// Snapshot store
	snapshotStore, err := store.NewSnapshotStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize snapshot store", zap.Error(err))
	}
	if snapshotStore != nil {
		defer snapshotStore.Close()
	}

	// Replica state
	replica := service.NewReplicaService(&service.ReplicaConfig{
		NodeID:            cfg.Server.NodeID,
		FullSyncThreshold: cfg.Sync.FullSyncThreshold,
		TieBreak:          cfg.TieBreakPolicy(),
	}, m, logger)

	snapshotSvc := service.NewSnapshotService(snapshotStore, replica, cfg.Snapshot.Interval, m, logger)
	restored, err := snapshotSvc.Restore(ctx)
	if err != nil {
		logger.Fatal("Failed to restore replica snapshot", zap.Error(err))
	}
	logger.Info("Replica initialized", zap.Bool("restored", restored))

	// Replication transport
	serverOptions := append([]grpc.ServerOption{
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
		}),
	}, transport.MessageSizeOptions(cfg.Sync.MaxMessageSize)...)
	grpcServer := grpc.NewServer(serverOptions...)
	transport.RegisterReplicationServer(grpcServer, transport.NewServer(replica, m, logger))

	grpcAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort))
	listener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logger.Fatal("Failed to listen", zap.String("addr", grpcAddr), zap.Error(err))
	}

	client := transport.NewClient(cfg.Sync.RequestTimeout, transport.WithMaxMessageSize(cfg.Sync.MaxMessageSize))
	defer client.Close()

	// Sync loop
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "sync",
		MaxWorkers: cfg.Sync.Workers,
		QueueSize:  cfg.Sync.QueueSize,
		Logger:     logger,
	})
	syncSvc := service.NewSyncService(&service.SyncConfig{
		Interval:       cfg.Sync.Interval,
		RequestTimeout: cfg.Sync.RequestTimeout,
		MaxParallel:    cfg.Sync.MaxParallel,
	}, replica, client, pool, m, logger)
	for _, peer := range cfg.Sync.Peers {
		syncSvc.AddPeer(peer.NodeID, peer.Address)
	}

	// Peer discovery
	var gossipSvc *service.GossipService
	if cfg.Gossip.Enabled {
		gossipSvc, err = service.NewGossipService(
			&service.GossipConfig{
				BindPort:       cfg.Gossip.BindPort,
				AdvertiseHost:  cfg.Server.AdvertiseHost,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			service.NodeMeta{NodeID: cfg.Server.NodeID, GRPCAddr: cfg.GRPCAddress()},
			syncSvc,
			m,
			logger,
		)
		if err != nil {
			logger.Error("Failed to initialize gossip service", zap.Error(err))
		} else {
			logger.Info("Gossip service initialized", zap.Int("bind_port", cfg.Gossip.BindPort))
		}
	}

	// Health and HTTP API
	dataDir := ""
	if cfg.Snapshot.Backend == config.SnapshotBackendFile || cfg.Snapshot.Backend == config.SnapshotBackendBadger {
		dataDir = cfg.Snapshot.Dir
	}
	var snapshotPinger health.Pinger
	if snapshotSvc.Enabled() {
		snapshotPinger = snapshotSvc
	}
	healthChecker := health.NewHealthChecker(&health.HealthCheckConfig{
		NodeID:  cfg.Server.NodeID,
		DataDir: dataDir,
	}, snapshotPinger, replica, logger)
	go healthChecker.Start(ctx)

	errorHandler := handler.NewErrorHandler(logger)
	handlers := handler.NewHandlers(replica, syncSvc, errorHandler, logger)
	httpServer := server.NewServer(cfg, handlers, errorHandler, healthChecker, registry, m, logger)

	errChan := make(chan error, 2)
	go func() {
		logger.Info("Replication service starting", zap.String("address", grpcAddr))
		if err := grpcServer.Serve(listener); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	go func() {
		if err := httpServer.Start(); err != nil {
			errChan <- err
		}
	}()

	syncSvc.Start(ctx)
	snapshotSvc.Start(ctx)

	// Wait for a signal or a listener failure
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	case err := <-errChan:
		logger.Error("Server failed, shutting down", zap.Error(err))
	}

	healthChecker.SetReadiness(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if gossipSvc != nil {
		if err := gossipSvc.Shutdown(); err != nil {
			logger.Warn("Gossip shutdown failed", zap.Error(err))
		}
	}

	syncSvc.Stop()
	if err := pool.Stop(cfg.Server.ShutdownTimeout); err != nil {
		logger.Warn("Sync workers did not stop in time", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	grpcServer.GracefulStop()

	snapshotSvc.Stop()
	if err := snapshotSvc.Save(shutdownCtx); err != nil {
		logger.Error("Failed to save final snapshot", zap.Error(err))
	}

	cancel()
	logger.Info("Replica stopped")
}

// initLogger builds a zap logger from the logging configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
