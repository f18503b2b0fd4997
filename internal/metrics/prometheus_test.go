package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_RecordSend(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordSend(true, "", 0.01)
	m.RecordSend(true, "", 0.02)
	m.RecordSend(false, "rpc", 0.03)

	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("sent")); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.TxTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SendErrors.WithLabelValues("rpc")); got != 1 {
		t.Errorf("rpc errors = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RecordBatch(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordBatch(0.03, 0.07, 109)
	m.RecordBatch(0.15, 0, 118)

	if got := testutil.ToFloat64(m.BatchesTotal); got != 2 {
		t.Errorf("batches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SleepSeconds); got != 0 {
		t.Errorf("sleep = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Nonce); got != 118 {
		t.Errorf("nonce = %v, want 118", got)
	}
}

func TestPrometheusMetrics_RPCMethodCardinality(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.RecordRPCLatency("eth_sendTransaction", true, 0.01)
	m.RecordRPCLatency("debug_traceTransaction", false, 0.01)

	if got := testutil.CollectAndCount(m.RPCLatency); got != 2 {
		t.Fatalf("series = %d, want 2", got)
	}
	// unknown methods collapse into "other"
	if !m.RPCLatency.DeleteLabelValues("other", "error") {
		t.Error("expected an other/error series")
	}
}

func TestPrometheusMetrics_SetRunPhase(t *testing.T) {
	m := NewPrometheusMetrics(prometheus.NewRegistry())

	m.SetRunPhase("running")
	m.SetRunPhase("completed")

	if got := testutil.ToFloat64(m.RunPhase.WithLabelValues("running")); got != 0 {
		t.Errorf("running = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.RunPhase.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
}
