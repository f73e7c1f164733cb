package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a replica
type Metrics struct {
	// Delta exchange metrics
	LocalMutationsTotal *prometheus.CounterVec
	MergesTotal         *prometheus.CounterVec
	DeltasSentTotal     *prometheus.CounterVec
	DeltasReceivedTotal *prometheus.CounterVec
	DeltaBytes          *prometheus.HistogramVec
	DeltaMergeDuration  *prometheus.HistogramVec
	SyncRoundsTotal     *prometheus.CounterVec
	SyncRoundDuration   prometheus.Histogram
	FullSyncsTotal      prometheus.Counter
	AcksTotal           *prometheus.CounterVec
	LocalVersion        *prometheus.GaugeVec
	PeerLag             *prometheus.GaugeVec
	PeersTotal          prometheus.Gauge

	// State metrics
	MemoriesTotal    prometheus.Gauge
	AccountsTotal    prometheus.Gauge
	LedgerOperations *prometheus.CounterVec

	// Snapshot metrics
	SnapshotsTotal   *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram
	SnapshotBytes    prometheus.Gauge

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Gossip metrics
	GossipMembersTotal prometheus.Gauge
	GossipEventsTotal  *prometheus.CounterVec

	// Worker pool metrics
	WorkerPoolQueueUtilization prometheus.Gauge
	WorkerPoolActiveWorkers    prometheus.Gauge
}

// NewMetrics creates the replica metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	return &Metrics{
		LocalMutationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "local_mutations_total",
			Help:        "Total number of local mutations, by delta type",
			ConstLabels: labels,
		}, []string{"delta_type"}),
		MergesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "merges_total",
			Help:        "Total number of inbound merges, by delta type and whether state changed",
			ConstLabels: labels,
		}, []string{"delta_type", "changed"}),
		DeltasSentTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "deltas_sent_total",
			Help:        "Total number of deltas sent, by delta type and result",
			ConstLabels: labels,
		}, []string{"delta_type", "result"}),
		DeltasReceivedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "deltas_received_total",
			Help:        "Total number of deltas received, by delta type and result",
			ConstLabels: labels,
		}, []string{"delta_type", "result"}),
		DeltaBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "delta_bytes",
			Help:        "Histogram of serialized delta sizes in bytes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 4, 10), // 256B to 64MB
		}, []string{"delta_type"}),
		DeltaMergeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "delta_merge_duration_seconds",
			Help:        "Histogram of inbound delta merge durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"delta_type"}),
		SyncRoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "rounds_total",
			Help:        "Total number of peer sync rounds, by result",
			ConstLabels: labels,
		}, []string{"result"}),
		SyncRoundDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "round_duration_seconds",
			Help:        "Histogram of peer sync round durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		FullSyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "full_syncs_total",
			Help:        "Total number of full state resynchronizations",
			ConstLabels: labels,
		}),
		AcksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "acks_total",
			Help:        "Total number of acknowledgements recorded",
			ConstLabels: labels,
		}, []string{"delta_type"}),
		LocalVersion: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "local_version",
			Help:        "Local version per delta type",
			ConstLabels: labels,
		}, []string{"delta_type"}),
		PeerLag: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "peer_lag_versions",
			Help:        "Versions not yet acknowledged by a peer",
			ConstLabels: labels,
		}, []string{"peer", "delta_type"}),
		PeersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kalasync",
			Subsystem:   "sync",
			Name:        "peers_total",
			Help:        "Number of registered sync peers",
			ConstLabels: labels,
		}),

		MemoriesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kalasync",
			Subsystem:   "state",
			Name:        "memories_total",
			Help:        "Number of live memories",
			ConstLabels: labels,
		}),
		AccountsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kalasync",
			Subsystem:   "state",
			Name:        "accounts_total",
			Help:        "Number of ledger accounts",
			ConstLabels: labels,
		}),
		LedgerOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kalasync",
			Subsystem:   "state",
			Name:        "ledger_operations_total",
			Help:        "Total number of ledger operations, by type and result",
			ConstLabels: labels,
		}, []string{"operation", "result"}),

		SnapshotsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kalasync",
			Subsystem:   "snapshot",
			Name:        "operations_total",
			Help:        "Total number of snapshot saves and loads, by result",
			ConstLabels: labels,
		}, []string{"operation", "result"}),
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "kalasync",
			Subsystem:   "snapshot",
			Name:        "save_duration_seconds",
			Help:        "Histogram of snapshot save durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		SnapshotBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kalasync",
			Subsystem:   "snapshot",
			Name:        "last_size_bytes",
			Help:        "Size of the last saved snapshot",
			ConstLabels: labels,
		}),

		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kalasync",
			Subsystem:   "http",
			Name:        "requests_total",
			Help:        "Total number of HTTP requests",
			ConstLabels: labels,
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "kalasync",
			Subsystem:   "http",
			Name:        "request_duration_seconds",
			Help:        "Histogram of HTTP request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),

		GossipMembersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kalasync",
			Subsystem:   "gossip",
			Name:        "members_total",
			Help:        "Number of live gossip members",
			ConstLabels: labels,
		}),
		GossipEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "kalasync",
			Subsystem:   "gossip",
			Name:        "events_total",
			Help:        "Total number of membership events",
			ConstLabels: labels,
		}, []string{"event"}),

		WorkerPoolQueueUtilization: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kalasync",
			Subsystem:   "workerpool",
			Name:        "queue_utilization_percent",
			Help:        "Sync worker pool queue utilization",
			ConstLabels: labels,
		}),
		WorkerPoolActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "kalasync",
			Subsystem:   "workerpool",
			Name:        "active_workers",
			Help:        "Sync workers currently running a task",
			ConstLabels: labels,
		}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordLocalMutation records a local change to a data type
func (m *Metrics) RecordLocalMutation(deltaType string) {
	m.LocalMutationsTotal.WithLabelValues(deltaType).Inc()
}

// RecordMerge records whether an inbound merge changed local state
func (m *Metrics) RecordMerge(deltaType string, changed bool) {
	m.MergesTotal.WithLabelValues(deltaType, strconv.FormatBool(changed)).Inc()
}

// RecordDeltaSent records an outbound delta
func (m *Metrics) RecordDeltaSent(deltaType string, bytes int, err error) {
	m.DeltasSentTotal.WithLabelValues(deltaType, result(err)).Inc()
	if err == nil {
		m.DeltaBytes.WithLabelValues(deltaType).Observe(float64(bytes))
	}
}

// RecordDeltaReceived records an inbound delta merge
func (m *Metrics) RecordDeltaReceived(deltaType string, duration time.Duration, err error) {
	m.DeltasReceivedTotal.WithLabelValues(deltaType, result(err)).Inc()
	m.DeltaMergeDuration.WithLabelValues(deltaType).Observe(duration.Seconds())
}

// RecordSyncRound records a completed sync round with one peer
func (m *Metrics) RecordSyncRound(duration time.Duration, full bool, err error) {
	m.SyncRoundsTotal.WithLabelValues(result(err)).Inc()
	m.SyncRoundDuration.Observe(duration.Seconds())
	if full && err == nil {
		m.FullSyncsTotal.Inc()
	}
}

// RecordAck records an acknowledgement
func (m *Metrics) RecordAck(deltaType string) {
	m.AcksTotal.WithLabelValues(deltaType).Inc()
}

// UpdateVersions sets the local version and per peer lag for a delta type
func (m *Metrics) UpdateVersions(deltaType string, local int64, acked map[string]int64) {
	m.LocalVersion.WithLabelValues(deltaType).Set(float64(local))
	for peer, v := range acked {
		m.PeerLag.WithLabelValues(peer, deltaType).Set(float64(local - v))
	}
}

// UpdateState sets the state size gauges
func (m *Metrics) UpdateState(memories, accounts, peers int) {
	m.MemoriesTotal.Set(float64(memories))
	m.AccountsTotal.Set(float64(accounts))
	m.PeersTotal.Set(float64(peers))
}

// RecordLedgerOperation records a credit or debit
func (m *Metrics) RecordLedgerOperation(operation string, err error) {
	m.LedgerOperations.WithLabelValues(operation, result(err)).Inc()
}

// RecordSnapshot records a snapshot save or load
func (m *Metrics) RecordSnapshot(operation string, duration time.Duration, bytes int, err error) {
	m.SnapshotsTotal.WithLabelValues(operation, result(err)).Inc()
	if operation == "save" && err == nil {
		m.SnapshotDuration.Observe(duration.Seconds())
		m.SnapshotBytes.Set(float64(bytes))
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordGossipEvent records a membership change
func (m *Metrics) RecordGossipEvent(event string, members int) {
	m.GossipEventsTotal.WithLabelValues(event).Inc()
	m.GossipMembersTotal.Set(float64(members))
}

// UpdateWorkerPool sets the worker pool gauges
func (m *Metrics) UpdateWorkerPool(queueUtilization float64, activeWorkers int) {
	m.WorkerPoolQueueUtilization.Set(queueUtilization)
	m.WorkerPoolActiveWorkers.Set(float64(activeWorkers))
}
