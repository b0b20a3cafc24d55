package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// chainMetrics holds the process-wide Prometheus collectors emitted by a
// running node: mempool occupancy, block production, and peer counts.
type chainMetrics struct {
	blocksProduced   prometheus.Counter
	blockHeight      prometheus.Gauge
	txApplied        *prometheus.CounterVec
	mempoolSize      prometheus.Gauge
	mempoolRejected  *prometheus.CounterVec
	peerCount        prometheus.Gauge
	validatorsJailed prometheus.Gauge
	snapshotsTaken   prometheus.Counter
	snapshotHeight   prometheus.Gauge
}

var (
	chainMetricsOnce sync.Once
	chainRegistry    *chainMetrics
)

// Chain returns the lazily-initialised metrics registry for node runtime
// state. Safe to call from multiple goroutines.
func Chain() *chainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &chainMetrics{
			blocksProduced: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "computechain",
				Subsystem: "consensus",
				Name:      "blocks_produced_total",
				Help:      "Total blocks produced by this node as proposer.",
			}),
			blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "computechain",
				Subsystem: "chain",
				Name:      "height",
				Help:      "Current committed chain height.",
			}),
			txApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "computechain",
				Subsystem: "state",
				Name:      "transactions_applied_total",
				Help:      "Total transactions applied segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			mempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "computechain",
				Subsystem: "mempool",
				Name:      "size",
				Help:      "Number of transactions currently queued in the mempool.",
			}),
			mempoolRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "computechain",
				Subsystem: "mempool",
				Name:      "rejected_total",
				Help:      "Total transactions rejected by the mempool segmented by reason.",
			}, []string{"reason"}),
			peerCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "computechain",
				Subsystem: "p2p",
				Name:      "peers",
				Help:      "Number of currently connected peers.",
			}),
			validatorsJailed: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "computechain",
				Subsystem: "validators",
				Name:      "jailed",
				Help:      "Number of validators currently jailed.",
			}),
			snapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "computechain",
				Subsystem: "snapshot",
				Name:      "taken_total",
				Help:      "Total state snapshots written to disk.",
			}),
			snapshotHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "computechain",
				Subsystem: "snapshot",
				Name:      "height",
				Help:      "Height of the most recently written snapshot.",
			}),
		}
		prometheus.MustRegister(
			chainRegistry.blocksProduced,
			chainRegistry.blockHeight,
			chainRegistry.txApplied,
			chainRegistry.mempoolSize,
			chainRegistry.mempoolRejected,
			chainRegistry.peerCount,
			chainRegistry.validatorsJailed,
			chainRegistry.snapshotsTaken,
			chainRegistry.snapshotHeight,
		)
	})
	return chainRegistry
}

// RecordBlock updates height and production counters after a block commits.
func (m *chainMetrics) RecordBlock(height uint64, proposed bool) {
	if m == nil {
		return
	}
	m.blockHeight.Set(float64(height))
	if proposed {
		m.blocksProduced.Inc()
	}
}

// RecordTransaction increments the per-kind transaction outcome counter.
func (m *chainMetrics) RecordTransaction(kind, outcome string) {
	if m == nil {
		return
	}
	m.txApplied.WithLabelValues(kind, outcome).Inc()
}

// SetMempoolSize reports the current mempool occupancy.
func (m *chainMetrics) SetMempoolSize(n int) {
	if m == nil {
		return
	}
	m.mempoolSize.Set(float64(n))
}

// RecordMempoolRejection increments the rejection counter for a reason.
func (m *chainMetrics) RecordMempoolRejection(reason string) {
	if m == nil {
		return
	}
	m.mempoolRejected.WithLabelValues(reason).Inc()
}

// SetPeerCount reports the current number of connected peers.
func (m *chainMetrics) SetPeerCount(n int) {
	if m == nil {
		return
	}
	m.peerCount.Set(float64(n))
}

// SetJailedValidators reports the number of validators currently jailed.
func (m *chainMetrics) SetJailedValidators(n int) {
	if m == nil {
		return
	}
	m.validatorsJailed.Set(float64(n))
}

// RecordSnapshot reports a newly written snapshot at height.
func (m *chainMetrics) RecordSnapshot(height uint64) {
	if m == nil {
		return
	}
	m.snapshotsTaken.Inc()
	m.snapshotHeight.Set(float64(height))
}
