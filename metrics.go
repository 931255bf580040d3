package limestone

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the ambient Prometheus collectors a Datastore updates as
// it runs. Entirely passive: nothing in the write or recovery path reads
// these back. A nil *Metrics receiver makes every method a no-op so a
// caller who doesn't want metrics never has to construct one.
type Metrics struct {
	EpochsAdvanced   prometheus.Counter
	WALBytesWritten  prometheus.Counter
	CompactionPasses prometheus.Counter
	BytesReclaimed   prometheus.Counter
	RepairCount      prometheus.Counter
}

// NewMetrics constructs and registers a Metrics bundle with reg. Passing a
// nil registry is fine: prometheus.NewCounter still returns a usable,
// unregistered collector.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EpochsAdvanced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_epochs_advanced_total",
			Help: "Number of epochs the durable-epoch writer has persisted.",
		}),
		WALBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_wal_bytes_written_total",
			Help: "Bytes appended across all log channels.",
		}),
		CompactionPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_compaction_passes_total",
			Help: "Number of online compaction passes that produced a new base file.",
		}),
		BytesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_compaction_bytes_reclaimed_total",
			Help: "Approximate bytes removed from detached WAL files by compaction.",
		}),
		RepairCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "limestone_parser_repairs_total",
			Help: "Number of WAL files the startup scan has rewritten or cut.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.EpochsAdvanced, m.WALBytesWritten, m.CompactionPasses, m.BytesReclaimed, m.RepairCount)
	}
	return m
}

func (m *Metrics) incEpochsAdvanced() {
	if m != nil && m.EpochsAdvanced != nil {
		m.EpochsAdvanced.Inc()
	}
}

func (m *Metrics) addWALBytes(n int) {
	if m != nil && m.WALBytesWritten != nil {
		m.WALBytesWritten.Add(float64(n))
	}
}

func (m *Metrics) incCompactionPasses() {
	if m != nil && m.CompactionPasses != nil {
		m.CompactionPasses.Inc()
	}
}

func (m *Metrics) addBytesReclaimed(n int64) {
	if m != nil && m.BytesReclaimed != nil {
		m.BytesReclaimed.Add(float64(n))
	}
}

func (m *Metrics) incRepairs() {
	if m != nil && m.RepairCount != nil {
		m.RepairCount.Inc()
	}
}
