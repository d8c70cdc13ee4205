package trace

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the Prometheus collectors spec §10/SPEC_FULL §11
// names: per-FIFO Tx credit and pending-queue gauges, reassembly buffer
// occupancy, sync-state gauges and a GC-reap counter. Grounded on the
// dimensions ucs_pmfifo.c/ucs_segmentation.c track internally for
// diagnostics (tx_credits, expected_rx_sid, reassembly depth).
type Metrics struct {
	TxCredits      *prometheus.GaugeVec
	PendingDepth   *prometheus.GaugeVec
	SyncState      *prometheus.GaugeVec
	ReassemblySize prometheus.Gauge
	GCReaps        prometheus.Counter
	AmsTxQueue     prometheus.Gauge
	AmsRxWaiting   prometheus.Gauge
}

// NewMetrics registers every collector against reg and returns the
// bundle. Passing prometheus.NewRegistry() keeps tests isolated from the
// global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TxCredits: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "inicstack",
			Subsystem: "pmfifo",
			Name:      "tx_credits",
			Help:      "Current INIC-granted Tx credit count per FIFO.",
		}, []string{"fifo"}),
		PendingDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "inicstack",
			Subsystem: "pmfifo",
			Name:      "pending_depth",
			Help:      "Number of Tx telegrams queued awaiting a credit per FIFO.",
		}, []string{"fifo"}),
		SyncState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "inicstack",
			Subsystem: "pmfifo",
			Name:      "sync_state",
			Help:      "Current FIFO sync state, one gauge value per known state name.",
		}, []string{"fifo", "state"}),
		ReassemblySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inicstack",
			Subsystem: "segmentation",
			Name:      "reassembly_in_flight",
			Help:      "Number of Rx messages currently mid-reassembly.",
		}),
		GCReaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inicstack",
			Subsystem: "segmentation",
			Name:      "gc_reaps_total",
			Help:      "Total reassembly slots reclaimed by the timeout sweep.",
		}),
		AmsTxQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inicstack",
			Subsystem: "ams",
			Name:      "tx_queue_depth",
			Help:      "Number of AppMsgs currently queued or mid-transmission in AMS.",
		}),
		AmsRxWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inicstack",
			Subsystem: "ams",
			Name:      "rx_waiting_depth",
			Help:      "Number of Rx telegrams parked on AMS's waiting queue under pool starvation.",
		}),
	}
	reg.MustRegister(m.TxCredits, m.PendingDepth, m.SyncState, m.ReassemblySize, m.GCReaps,
		m.AmsTxQueue, m.AmsRxWaiting)
	return m
}
