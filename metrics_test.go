package limestone

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.incEpochsAdvanced()
	m.addWALBytes(128)
	m.incCompactionPasses()
	m.addBytesReclaimed(64)
	m.incRepairs()

	if got := testutil.ToFloat64(m.EpochsAdvanced); got != 1 {
		t.Errorf("EpochsAdvanced = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.WALBytesWritten); got != 128 {
		t.Errorf("WALBytesWritten = %v, want 128", got)
	}
	if got := testutil.ToFloat64(m.CompactionPasses); got != 1 {
		t.Errorf("CompactionPasses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BytesReclaimed); got != 64 {
		t.Errorf("BytesReclaimed = %v, want 64", got)
	}
	if got := testutil.ToFloat64(m.RepairCount); got != 1 {
		t.Errorf("RepairCount = %v, want 1", got)
	}
}

func TestNilMetricsIsNoOp(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.incEpochsAdvanced()
	m.addWALBytes(1)
	m.incCompactionPasses()
	m.addBytesReclaimed(1)
	m.incRepairs()
}
