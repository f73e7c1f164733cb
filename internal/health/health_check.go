package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kalanet/kalasync/internal/service"
	"go.uber.org/zap"
)

// NodeStatus is the overall health of a replica
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusDegraded  NodeStatus = "degraded"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
)

// Check result statuses. A critical result takes the node out of rotation.
const (
	CheckHealthy  = "healthy"
	CheckWarning  = "warning"
	CheckCritical = "critical"
)

// Pinger is anything with a reachability check, such as the snapshot store
type Pinger interface {
	Ping(ctx context.Context) error
}

// SyncReporter exposes the replica's sync bookkeeping
type SyncReporter interface {
	SyncStatus() service.SyncStatus
}

// HealthChecker periodically checks the replica and serves probe endpoints
type HealthChecker struct {
	nodeID      string
	dataDir     string
	interval    time.Duration
	snapshots   Pinger
	sync        SyncReporter
	logger      *zap.Logger
	mu          sync.RWMutex
	lastCheck   time.Time
	status      NodeStatus
	checks      map[string]CheckResult
	livenessOK  bool
	readinessOK bool
	draining    bool
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	NodeID string
	// DataDir is checked for writability when snapshots go to local disk
	DataDir  string
	Interval time.Duration
}

// NewHealthChecker creates a new health checker. snapshots and reporter may be
// nil, in which case their checks are skipped.
func NewHealthChecker(cfg *HealthCheckConfig, snapshots Pinger, reporter SyncReporter, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthChecker{
		nodeID:      cfg.NodeID,
		dataDir:     cfg.DataDir,
		interval:    interval,
		snapshots:   snapshots,
		sync:        reporter,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		livenessOK:  true,
		readinessOK: true,
		status:      NodeStatusHealthy,
	}
}

// Start runs the checks until ctx is done
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks runs every check once and updates the probe state
func (h *HealthChecker) RunChecks(ctx context.Context) {
	checks := []func(context.Context) CheckResult{
		h.checkSnapshotStore,
		h.checkDataDir,
		h.checkDiskSpace,
		h.checkSyncLag,
	}

	results := make([]CheckResult, 0, len(checks))
	for _, check := range checks {
		if result := check(ctx); result.Name != "" {
			results = append(results, result)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	allHealthy, allReady := true, true
	for _, result := range results {
		h.checks[result.Name] = result
		if result.Status != CheckHealthy {
			allHealthy = false
			if result.Status == CheckCritical {
				allReady = false
			}
		}
	}

	switch {
	case !allReady:
		h.status = NodeStatusUnhealthy
	case !allHealthy:
		h.status = NodeStatusDegraded
	default:
		h.status = NodeStatusHealthy
	}

	h.livenessOK = true
	h.readinessOK = allReady && !h.draining

	h.logger.Debug("Health check completed",
		zap.String("status", string(h.status)),
		zap.Bool("liveness", h.livenessOK),
		zap.Bool("readiness", h.readinessOK))
}

func result(name, status, message string) CheckResult {
	return CheckResult{Name: name, Status: status, Message: message, Timestamp: time.Now()}
}

// checkSnapshotStore pings the snapshot backend
func (h *HealthChecker) checkSnapshotStore(ctx context.Context) CheckResult {
	if h.snapshots == nil {
		return CheckResult{}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.snapshots.Ping(ctx); err != nil {
		return result("snapshot_store", CheckCritical, fmt.Sprintf("Snapshot store unreachable: %v", err))
	}
	return result("snapshot_store", CheckHealthy, "Snapshot store reachable")
}

// checkDataDir verifies the snapshot directory exists and is writable
func (h *HealthChecker) checkDataDir(context.Context) CheckResult {
	if h.dataDir == "" {
		return CheckResult{}
	}

	info, err := os.Stat(h.dataDir)
	if err != nil {
		return result("data_dir_accessible", CheckCritical, fmt.Sprintf("Data directory not accessible: %v", err))
	}
	if !info.IsDir() {
		return result("data_dir_accessible", CheckCritical, "Data path is not a directory")
	}

	testFile := filepath.Join(h.dataDir, fmt.Sprintf(".health_check_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return result("data_dir_accessible", CheckCritical, fmt.Sprintf("Cannot write to data directory: %v", err))
	}
	f.Close()
	os.Remove(testFile)

	return result("data_dir_accessible", CheckHealthy, "Data directory is accessible and writable")
}

// checkDiskSpace warns when the snapshot filesystem fills up
func (h *HealthChecker) checkDiskSpace(context.Context) CheckResult {
	if h.dataDir == "" {
		return CheckResult{}
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.dataDir, &stat); err != nil {
		return result("disk_space", CheckWarning, fmt.Sprintf("Failed to stat filesystem: %v", err))
	}

	total := stat.Blocks * uint64(stat.Bsize)
	if total == 0 {
		return result("disk_space", CheckHealthy, "Filesystem reports no capacity")
	}
	used := total - stat.Bfree*uint64(stat.Bsize)
	usagePercent := float64(used) / float64(total) * 100

	switch {
	case usagePercent > 95:
		return result("disk_space", CheckCritical, fmt.Sprintf("Disk usage critical: %.2f%%", usagePercent))
	case usagePercent > 90:
		return result("disk_space", CheckWarning, fmt.Sprintf("Disk usage high: %.2f%%", usagePercent))
	}
	return result("disk_space", CheckHealthy, fmt.Sprintf("Disk usage: %.2f%%", usagePercent))
}

// checkSyncLag degrades the node while a registered peer needs a full
// resync. Lag never makes the node unready: it can still accept writes.
func (h *HealthChecker) checkSyncLag(context.Context) CheckResult {
	if h.sync == nil {
		return CheckResult{}
	}

	status := h.sync.SyncStatus()
	var lagging []string
	for _, peer := range status.Peers {
		if peer.Registered && peer.FullSyncRequired {
			lagging = append(lagging, peer.NodeID)
		}
	}
	if len(lagging) > 0 {
		return result("sync_lag", CheckWarning, fmt.Sprintf("Peers awaiting full sync: %v", lagging))
	}
	return result("sync_lag", CheckHealthy, "All registered peers within the full sync threshold")
}

// IsLive returns whether the node is live (liveness probe)
func (h *HealthChecker) IsLive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.livenessOK
}

// IsReady returns whether the node is ready (readiness probe)
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// Status returns the overall status from the last check
func (h *HealthChecker) Status() NodeStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

// GetChecks returns a copy of the latest check results
func (h *HealthChecker) GetChecks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	return checks
}

// SetReadiness overrides readiness. Setting false drains the node for
// shutdown and keeps it unready across later checks.
func (h *HealthChecker) SetReadiness(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessOK = ready
	h.draining = !ready
}

// LivenessHandler handles HTTP liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	live := h.livenessOK
	status := h.status
	h.mu.RUnlock()

	code := http.StatusOK
	if !live {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"healthy": live,
		"status":  status,
		"node_id": h.nodeID,
	})
}

// ReadinessHandler handles HTTP readiness probe requests
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	ready := h.readinessOK
	status := h.status
	h.mu.RUnlock()

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"ready":   ready,
		"status":  status,
		"node_id": h.nodeID,
		"checks":  h.GetChecks(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
