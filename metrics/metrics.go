// Package metrics exposes the pipeline's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the counters the pipeline reports. Persistent processor
// failures and invariant violations surface here rather than halting the
// workers.
type Metrics struct {
	BlocksConfirmed    prometheus.Counter
	InternalTxsIndexed prometheus.Counter
	TxsDecoded         prometheus.Counter
	TxsProcessed       prometheus.Counter
	ProcessorAnomalies prometheus.Counter
	ReorgsDetected     prometheus.Counter
	EventsIndexed      prometheus.Counter
}

// New registers the collectors on the given registerer. Pass
// prometheus.NewRegistry() in tests to keep them isolated.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlocksConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safe_txs", Name: "blocks_confirmed_total",
			Help: "Blocks marked as confirmed by the reorg handler",
		}),
		InternalTxsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safe_txs", Name: "internal_txs_indexed_total",
			Help: "Internal transactions stored by the trace indexer",
		}),
		TxsDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safe_txs", Name: "txs_decoded_total",
			Help: "Internal transactions decoded as Safe calls",
		}),
		TxsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safe_txs", Name: "txs_processed_total",
			Help: "Decoded transactions consumed by the processor",
		}),
		ProcessorAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safe_txs", Name: "processor_anomalies_total",
			Help: "Decoded transactions that violated a Safe state invariant",
		}),
		ReorgsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safe_txs", Name: "reorgs_detected_total",
			Help: "Chain reorganizations detected and rolled back",
		}),
		EventsIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "safe_txs", Name: "events_indexed_total",
			Help: "Token transfer events stored by the event indexer",
		}),
	}
	registerer.MustRegister(
		m.BlocksConfirmed,
		m.InternalTxsIndexed,
		m.TxsDecoded,
		m.TxsProcessed,
		m.ProcessorAnomalies,
		m.ReorgsDetected,
		m.EventsIndexed,
	)
	return m
}
