// Package metrics exposes the Prometheus gauges/counters named in the
// ambient stack's observability section: indexer progress and settlement
// outcomes. This is additive observability, not an error surface — the
// Indexer still exposes no user-facing errors per the spec's §7.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// IndexerLastSyncedBlock tracks the checkpoint's last_synced_block.
	IndexerLastSyncedBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s402_indexer_last_synced_block",
		Help: "Highest block number whose events have been fully absorbed into the aggregate store.",
	})

	// IndexerHeadLagBlocks tracks current_head - last_synced_block.
	IndexerHeadLagBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "s402_indexer_head_lag_blocks",
		Help: "Gap between chain head and the indexer's last synced block.",
	})

	// SettlementsTotal counts settlement attempts by result (ok or a
	// SettlementError Kind string).
	SettlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "s402_settlements_total",
		Help: "Settlement attempts by result.",
	}, []string{"result"})

	// IndexerTickDuration observes how long one sync_once tick takes.
	IndexerTickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "s402_indexer_tick_duration_seconds",
		Help: "Duration of one indexer sync tick.",
	})
)

// Registry is a private registry so tests can construct an isolated
// instance; production wires it into an HTTP handler in httpapi.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(IndexerLastSyncedBlock, IndexerHeadLagBlocks, SettlementsTotal, IndexerTickDuration)
}
