package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kalanet/kalasync/internal/crdt"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds listener configuration for the replica
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	AdvertiseHost   string        `yaml:"advertise_host"`
	GRPCPort        int           `yaml:"grpc_port"`
	HTTPPort        int           `yaml:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PeerConfig is a statically configured sync peer
type PeerConfig struct {
	NodeID  string `yaml:"node_id"`
	Address string `yaml:"address"`
}

// Replication message limits. Full-state deltas travel in a single gRPC
// message, so the limit bounds the largest replica that can resync.
const (
	DefaultMaxMessageSize = 64 << 20
	MinMaxMessageSize     = 4 << 20
)

// SyncConfig holds delta synchronization configuration
type SyncConfig struct {
	Interval          time.Duration `yaml:"interval"`
	FullSyncThreshold int64         `yaml:"full_sync_threshold"`
	TieBreak          string        `yaml:"tie_break"`
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxParallel       int           `yaml:"max_parallel"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	Peers             []PeerConfig  `yaml:"peers"`
}

// GossipConfig holds memberlist configuration used for peer discovery
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// Snapshot backends
const (
	SnapshotBackendNone     = "none"
	SnapshotBackendFile     = "file"
	SnapshotBackendBadger   = "badger"
	SnapshotBackendRedis    = "redis"
	SnapshotBackendPostgres = "postgres"
)

// SnapshotConfig holds replica state persistence configuration
type SnapshotConfig struct {
	Backend    string        `yaml:"backend"`
	Dir        string        `yaml:"dir"`
	Interval   time.Duration `yaml:"interval"`
	SyncWrites bool          `yaml:"sync_writes"`
}

// RedisConfig holds the Redis snapshot backend configuration
type RedisConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	PoolSize  int    `yaml:"pool_size"`
}

// PostgresConfig holds the Postgres snapshot backend configuration
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	MaxConnections int32  `yaml:"max_connections"`
}

// RateLimiterConfig holds HTTP rate limiter configuration
type RateLimiterConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a replica node
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Sync        SyncConfig        `yaml:"sync"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file, then applies environment
// overrides and defaults.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvironmentOverrides lets container deployments override the file
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("REPLICA_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("REPLICA_ADVERTISE_HOST"); host != "" {
		cfg.Server.AdvertiseHost = host
	}
	if port := os.Getenv("REPLICA_GRPC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.GRPCPort = p
		}
	}
	if port := os.Getenv("REPLICA_HTTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.HTTPPort = p
		}
	}
	if seeds := os.Getenv("REPLICA_SEED_NODES"); seeds != "" {
		cfg.Gossip.SeedNodes = strings.Split(seeds, ",")
	}
	if backend := os.Getenv("SNAPSHOT_BACKEND"); backend != "" {
		cfg.Snapshot.Backend = backend
	}
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPassword := os.Getenv("REDIS_PASSWORD"); redisPassword != "" {
		cfg.Redis.Password = redisPassword
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.AdvertiseHost == "" {
		cfg.Server.AdvertiseHost = "127.0.0.1"
	}
	if cfg.Server.GRPCPort == 0 {
		cfg.Server.GRPCPort = 7420
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8420
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Sync.Interval == 0 {
		cfg.Sync.Interval = 5 * time.Second
	}
	if cfg.Sync.FullSyncThreshold == 0 {
		cfg.Sync.FullSyncThreshold = 100
	}
	if cfg.Sync.TieBreak == "" {
		cfg.Sync.TieBreak = crdt.TieBreakWallClock.String()
	}
	if cfg.Sync.Workers == 0 {
		cfg.Sync.Workers = 4
	}
	if cfg.Sync.QueueSize == 0 {
		cfg.Sync.QueueSize = 64
	}
	if cfg.Sync.RequestTimeout == 0 {
		cfg.Sync.RequestTimeout = 10 * time.Second
	}
	if cfg.Sync.MaxParallel == 0 {
		cfg.Sync.MaxParallel = 8
	}
	if cfg.Sync.MaxMessageSize == 0 {
		cfg.Sync.MaxMessageSize = DefaultMaxMessageSize
	}

	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Snapshot.Backend == "" {
		cfg.Snapshot.Backend = SnapshotBackendFile
	}
	if cfg.Snapshot.Dir == "" {
		cfg.Snapshot.Dir = "/var/lib/kalasync"
	}
	if cfg.Snapshot.Interval == 0 {
		cfg.Snapshot.Interval = 30 * time.Second
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "kalasync:snapshot:"
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 4
	}

	if cfg.RateLimiter.RequestsPerSecond == 0 {
		cfg.RateLimiter.RequestsPerSecond = 200
	}
	if cfg.RateLimiter.Burst == 0 {
		cfg.RateLimiter.Burst = 400
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.GRPCPort < 1 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port must be between 1 and 65535")
	}
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port must be between 1 and 65535")
	}
	if c.Server.GRPCPort == c.Server.HTTPPort {
		return fmt.Errorf("server.grpc_port and server.http_port must differ")
	}
	if c.Sync.FullSyncThreshold < 0 {
		return fmt.Errorf("sync.full_sync_threshold must be positive")
	}
	if _, err := crdt.ParseTieBreakPolicy(c.Sync.TieBreak); err != nil {
		return fmt.Errorf("sync.tie_break: %w", err)
	}
	if c.Sync.Workers < 1 || c.Sync.QueueSize < 1 || c.Sync.MaxParallel < 1 {
		return fmt.Errorf("sync.workers, sync.queue_size and sync.max_parallel must be positive")
	}
	if c.Sync.MaxMessageSize < MinMaxMessageSize {
		return fmt.Errorf("sync.max_message_size must be at least %d bytes", MinMaxMessageSize)
	}
	seen := make(map[string]bool, len(c.Sync.Peers))
	for i, p := range c.Sync.Peers {
		if p.NodeID == "" || p.Address == "" {
			return fmt.Errorf("sync.peers[%d] requires node_id and address", i)
		}
		if p.NodeID == c.Server.NodeID {
			return fmt.Errorf("sync.peers[%d] refers to the local node", i)
		}
		if seen[p.NodeID] {
			return fmt.Errorf("sync.peers[%d] duplicates node %s", i, p.NodeID)
		}
		seen[p.NodeID] = true
	}
	switch c.Snapshot.Backend {
	case SnapshotBackendNone, SnapshotBackendFile, SnapshotBackendBadger:
	case SnapshotBackendRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis.host is required for the redis snapshot backend")
		}
	case SnapshotBackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for the postgres snapshot backend")
		}
	default:
		return fmt.Errorf("unknown snapshot.backend %q", c.Snapshot.Backend)
	}
	if c.RateLimiter.Enabled && (c.RateLimiter.RequestsPerSecond <= 0 || c.RateLimiter.Burst < 1) {
		return fmt.Errorf("rate_limiter requires a positive rate and burst")
	}
	return nil
}

// GRPCAddress returns the address peers dial to reach this replica
func (c *Config) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.AdvertiseHost, c.Server.GRPCPort)
}

// TieBreakPolicy returns the parsed tie break policy
func (c *Config) TieBreakPolicy() crdt.TieBreakPolicy {
	p, _ := crdt.ParseTieBreakPolicy(c.Sync.TieBreak)
	return p
}
